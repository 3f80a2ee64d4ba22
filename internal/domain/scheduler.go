package domain

import (
	"context"
	"time"
)

// Scheduler interface
type SessionScheduler interface {
	ScheduleSessionStart(ctx context.Context, sessionID string, startTime time.Time) error
	ScheduleSessionEnd(ctx context.Context, sessionID string, endTime time.Time) error
	CancelSchedule(ctx context.Context, sessionID string) error
	Start(ctx context.Context) error
	Stop() error
}
