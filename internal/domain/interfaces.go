package domain

import (
	"context"
	"time"
)

// Repository interfaces
type SessionRepository interface {
	CreateSession(ctx context.Context, session *AuctionSession) error
	GetSession(ctx context.Context, sessionID string) (*AuctionSession, error)
	UpdateSessionState(ctx context.Context, snapshot *Snapshot) error
	GetSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*AuctionSession, error)
}

type BidRepository interface {
	AppendBid(ctx context.Context, bid *Bid) error
	ListBids(ctx context.Context, sessionID string) ([]*Bid, error)
}

type ParticipantRepository interface {
	UpsertParticipant(ctx context.Context, participant *Participant) error
	ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error)
	ListParticipationsForUser(ctx context.Context, userID string) ([]*Participant, error)
}

type SettlementRepository interface {
	// RecordSettlement stores the outcome once; it reports false when the
	// session already has a record.
	RecordSettlement(ctx context.Context, settled *AuctionSettled) (bool, error)
	MarkDelivered(ctx context.Context, sessionID string) error
	GetPendingSettlements(ctx context.Context, limit int) ([]*AuctionSettled, error)
}

type SchedulerRepository interface {
	CreateJob(ctx context.Context, job *ScheduledJob) error
	GetPendingJobs(ctx context.Context, before time.Time) ([]*ScheduledJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error
	CancelJobsForSession(ctx context.Context, sessionID string) error
}

type EventLogRepository interface {
	SaveEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, sessionID string) ([]*Event, error)
}

// Collaborator interfaces
type DepositLedger interface {
	HasDeposit(ctx context.Context, sessionID, userID string) (bool, error)
	RecordDeposit(ctx context.Context, sessionID, userID string, hasDeposit bool) error
}

type SettlementSink interface {
	EmitSettlement(ctx context.Context, settled *AuctionSettled) error
}
