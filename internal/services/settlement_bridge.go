package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"
)

const pendingSettlementBatch = 100

// SettlementBridge hands each session outcome to the settlement workflow
// exactly once. The settlement record is unique per session; emission to
// the sink is retried until it is acknowledged and then marked delivered.
type SettlementBridge struct {
	repo     domain.SettlementRepository
	sink     domain.SettlementSink
	attempts int
	backoff  time.Duration

	delivered map[string]struct{}
	inflight  map[string]struct{}
	pending   map[string]*domain.AuctionSettled // not yet recorded
	mutex     sync.Mutex
	log       logger.Logger
}

func NewSettlementBridge(repo domain.SettlementRepository, sink domain.SettlementSink, attempts int,
	backoff time.Duration, log logger.Logger) *SettlementBridge {
	return &SettlementBridge{
		repo:      repo,
		sink:      sink,
		attempts:  attempts,
		backoff:   backoff,
		delivered: make(map[string]struct{}),
		inflight:  make(map[string]struct{}),
		pending:   make(map[string]*domain.AuctionSettled),
		log:       log,
	}
}

// Settle records and emits the outcome. A returned error wraps
// domain.ErrSettlementPending; the outcome is then retried by RetryPending.
func (b *SettlementBridge) Settle(ctx context.Context, settled *domain.AuctionSettled) error {
	if !b.claim(settled.SessionID) {
		return nil
	}
	defer b.release(settled.SessionID)

	created, err := b.repo.RecordSettlement(ctx, settled)
	if err != nil {
		b.keepPending(settled)
		return fmt.Errorf("%w: record settlement: %v", domain.ErrSettlementPending, err)
	}
	b.dropPending(settled.SessionID)
	if !created {
		// Already recorded by an earlier attempt; undelivered records are
		// picked up by RetryPending.
		b.log.Info("Settlement already recorded", "session_id", settled.SessionID)
		return nil
	}
	return b.emit(ctx, settled)
}

// RetryPending re-drives outcomes that were never recorded or never
// acknowledged by the sink.
func (b *SettlementBridge) RetryPending(ctx context.Context) error {
	b.mutex.Lock()
	unrecorded := make([]*domain.AuctionSettled, 0, len(b.pending))
	for _, s := range b.pending {
		unrecorded = append(unrecorded, s)
	}
	b.mutex.Unlock()

	for _, s := range unrecorded {
		if err := b.Settle(ctx, s); err != nil {
			b.log.Warn("Settlement still pending", "session_id", s.SessionID, "error", err)
		}
	}

	undelivered, err := b.repo.GetPendingSettlements(ctx, pendingSettlementBatch)
	if err != nil {
		return fmt.Errorf("failed to list pending settlements: %w", err)
	}
	for _, s := range undelivered {
		if !b.claim(s.SessionID) {
			continue
		}
		if err := b.emit(ctx, s); err != nil {
			b.log.Warn("Settlement still pending", "session_id", s.SessionID, "error", err)
		}
		b.release(s.SessionID)
	}
	return nil
}

func (b *SettlementBridge) emit(ctx context.Context, settled *domain.AuctionSettled) error {
	err := utils.Retry(ctx, b.attempts, b.backoff, func(ctx context.Context) error {
		return b.sink.EmitSettlement(ctx, settled)
	})
	if err != nil {
		return fmt.Errorf("%w: emit settlement: %v", domain.ErrSettlementPending, err)
	}

	if err := b.repo.MarkDelivered(ctx, settled.SessionID); err != nil {
		// The sink has it; a second emission is deduped downstream by session id.
		b.log.Warn("Failed to mark settlement delivered", "session_id", settled.SessionID, "error", err)
	}

	b.mutex.Lock()
	b.delivered[settled.SessionID] = struct{}{}
	b.mutex.Unlock()

	b.log.Info("Settlement emitted", "session_id", settled.SessionID, "status", settled.Status)
	return nil
}

func (b *SettlementBridge) claim(sessionID string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if _, ok := b.delivered[sessionID]; ok {
		return false
	}
	if _, ok := b.inflight[sessionID]; ok {
		return false
	}
	b.inflight[sessionID] = struct{}{}
	return true
}

func (b *SettlementBridge) release(sessionID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	delete(b.inflight, sessionID)
}

func (b *SettlementBridge) keepPending(settled *domain.AuctionSettled) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.pending[settled.SessionID] = settled
}

func (b *SettlementBridge) dropPending(sessionID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	delete(b.pending, sessionID)
}
