package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
)

// DepositGate answers whether a user may bid in a session. Granted facts are
// cached for the life of the session; denials are always re-read so that a
// deposit recorded later takes effect on the next bid.
type DepositGate struct {
	ledger  domain.DepositLedger
	timeout time.Duration
	granted map[string]map[string]struct{} // sessionID -> userID
	mutex   sync.RWMutex
	log     logger.Logger
}

func NewDepositGate(ledger domain.DepositLedger, timeout time.Duration, log logger.Logger) *DepositGate {
	return &DepositGate{
		ledger:  ledger,
		timeout: timeout,
		granted: make(map[string]map[string]struct{}),
		log:     log,
	}
}

// CanBid fails closed: when the ledger cannot answer it returns false together
// with an error wrapping domain.ErrDependencyUnavailable.
func (g *DepositGate) CanBid(ctx context.Context, sessionID, userID string) (bool, error) {
	if g.cached(sessionID, userID) {
		return true, nil
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	ok, err := g.ledger.HasDeposit(ctx, sessionID, userID)
	if err != nil {
		g.log.Warn("Deposit lookup failed", "session_id", sessionID, "user_id", userID, "error", err)
		return false, fmt.Errorf("%w: deposit lookup: %v", domain.ErrDependencyUnavailable, err)
	}
	if ok {
		g.grant(sessionID, userID)
	}
	return ok, nil
}

// Record stores a fact pushed by the wallet collaborator.
func (g *DepositGate) Record(ctx context.Context, sessionID, userID string, hasDeposit bool) error {
	if err := g.ledger.RecordDeposit(ctx, sessionID, userID, hasDeposit); err != nil {
		return fmt.Errorf("%w: record deposit: %v", domain.ErrDependencyUnavailable, err)
	}

	if hasDeposit {
		g.grant(sessionID, userID)
		return nil
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()
	if users, ok := g.granted[sessionID]; ok {
		delete(users, userID)
	}
	return nil
}

// Forget drops every cached fact for a session.
func (g *DepositGate) Forget(sessionID string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	delete(g.granted, sessionID)
}

func (g *DepositGate) cached(sessionID, userID string) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	_, ok := g.granted[sessionID][userID]
	return ok
}

func (g *DepositGate) grant(sessionID, userID string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.granted[sessionID] == nil {
		g.granted[sessionID] = make(map[string]struct{})
	}
	g.granted[sessionID][userID] = struct{}{}
}
