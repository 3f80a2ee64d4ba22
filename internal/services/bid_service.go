package services

import (
	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// BidService is the bidder-facing entry point. It resolves the deposit fact
// before the command reaches the session worker so that the worker never
// waits on the wallet.
type BidService struct {
	registry *SessionRegistry
	gate     *DepositGate
	log      logger.Logger
}

func NewBidService(registry *SessionRegistry, gate *DepositGate, log logger.Logger) *BidService {
	return &BidService{
		registry: registry,
		gate:     gate,
		log:      log,
	}
}

func (s *BidService) PlaceBid(ctx context.Context, sessionID, userID string, amount decimal.Decimal,
	token string) (*domain.Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidCommand)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidCommand)
	}

	cmd := domain.Command{
		Type:             domain.CommandBid,
		UserID:           userID,
		Amount:           amount,
		IdempotencyToken: token,
	}
	return s.submitGated(ctx, sessionID, cmd)
}

func (s *BidService) BuyNow(ctx context.Context, sessionID, userID, token string) (*domain.Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidCommand)
	}

	cmd := domain.Command{
		Type:             domain.CommandBuyNow,
		UserID:           userID,
		IdempotencyToken: token,
	}
	return s.submitGated(ctx, sessionID, cmd)
}

func (s *BidService) Join(ctx context.Context, sessionID, userID string) (*domain.Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidCommand)
	}

	cmd := domain.Command{Type: domain.CommandJoin, UserID: userID}
	if snap, err := s.registry.Snapshot(ctx, sessionID); err != nil {
		return nil, err
	} else if snap.RequiredDeposit.IsPositive() {
		// Join only records the fact; the bid path is what enforces it.
		ok, err := s.gate.CanBid(ctx, sessionID, userID)
		if err != nil {
			s.log.Warn("Joining without deposit fact", "session_id", sessionID, "user_id", userID, "error", err)
		}
		cmd.HasDeposit = ok
	}
	return s.registry.Dispatch(ctx, sessionID, cmd)
}

func (s *BidService) Leave(ctx context.Context, sessionID, userID string) (*domain.Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidCommand)
	}
	return s.registry.Dispatch(ctx, sessionID, domain.Command{Type: domain.CommandLeave, UserID: userID})
}

// RecordDeposit accepts a deposit fact pushed by the wallet.
func (s *BidService) RecordDeposit(ctx context.Context, sessionID, userID string, hasDeposit bool) error {
	if sessionID == "" || userID == "" {
		return fmt.Errorf("%w: session_id and user_id are required", domain.ErrInvalidCommand)
	}
	if err := s.gate.Record(ctx, sessionID, userID, hasDeposit); err != nil {
		return err
	}
	s.log.Info("Deposit recorded", "session_id", sessionID, "user_id", userID, "has_deposit", hasDeposit)
	return nil
}

func (s *BidService) submitGated(ctx context.Context, sessionID string, cmd domain.Command) (*domain.Result, error) {
	snap, err := s.registry.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if snap.RequiredDeposit.IsPositive() && !snap.Status.IsTerminal() {
		ok, err := s.gate.CanBid(ctx, sessionID, cmd.UserID)
		if err != nil {
			return nil, err
		}
		cmd.HasDeposit = ok
	}

	res, err := s.registry.Dispatch(ctx, sessionID, cmd)
	if err != nil {
		s.log.Error("Failed to dispatch command", "session_id", sessionID, "type", cmd.Type, "error", err)
		return nil, err
	}

	if res.Accepted {
		s.log.Info("Command accepted", "session_id", sessionID, "type", cmd.Type, "user_id", cmd.UserID,
			"price", res.Price, "sequence", res.Sequence, "replayed", res.Replayed)
	} else {
		s.log.Debug("Command rejected", "session_id", sessionID, "type", cmd.Type, "user_id", cmd.UserID,
			"reason", res.Reason)
	}
	return res, nil
}
