package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

type SnapshotCache interface {
	SetSnapshot(ctx context.Context, snapshot *Snapshot) error
	GetSnapshot(ctx context.Context, sessionID string) (*Snapshot, error)
}

type IncrementRuleSource interface {
	GetIncrementRule(amount decimal.Decimal) decimal.Decimal
	LoadRules(ctx context.Context) error
}
