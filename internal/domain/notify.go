package domain

import "context"

// Notification interfaces
type UserNotifier interface {
	NotifyUser(ctx context.Context, userID string, message interface{}) error
}

type SessionBroadcaster interface {
	BroadcastToSession(ctx context.Context, sessionID string, message interface{}) error
}
