package utils

import "github.com/google/uuid"

// GenerateID returns a prefixed random identifier such as "session_<uuid>".
func GenerateID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
