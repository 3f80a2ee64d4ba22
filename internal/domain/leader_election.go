package domain

import "context"

// LeaderElection picks the one instance that replays overdue start and end
// jobs and retries pending settlements.
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}

// SessionOwnership hands every open session to at most one instance, so a
// session has a single worker across the cluster.
type SessionOwnership interface {
	// Claim takes or refreshes the session for instanceID. It reports false
	// when another instance holds it.
	Claim(ctx context.Context, sessionID, instanceID string) (bool, error)
	// Release gives the session up if instanceID still holds it.
	Release(ctx context.Context, sessionID, instanceID string) error
}
