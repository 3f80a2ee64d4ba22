package services

import (
	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type CreateSessionRequest struct {
	ItemID          string
	SellerID        string
	StartingBid     decimal.Decimal
	BuyNowPrice     decimal.NullDecimal
	BidIncrement    decimal.Decimal // zero derives it from the increment rules
	RequiredDeposit decimal.Decimal
	ScheduledStart  time.Time
	ScheduledEnd    time.Time
}

// AuctionManager covers the session lifecycle: creation, seller
// verification, cancellation and the scheduled start and end.
type AuctionManager struct {
	sessionRepo     domain.SessionRepository
	bidRepo         domain.BidRepository
	participantRepo domain.ParticipantRepository
	eventLog        domain.EventLogRepository
	registry        *SessionRegistry
	scheduler       domain.SessionScheduler
	incrementRules  domain.IncrementRuleSource
	log             logger.Logger
}

func NewAuctionManager(
	sessionRepo domain.SessionRepository,
	bidRepo domain.BidRepository,
	participantRepo domain.ParticipantRepository,
	eventLog domain.EventLogRepository,
	registry *SessionRegistry,
	incrementRules domain.IncrementRuleSource,
	log logger.Logger,
) *AuctionManager {
	return &AuctionManager{
		sessionRepo:     sessionRepo,
		bidRepo:         bidRepo,
		participantRepo: participantRepo,
		eventLog:        eventLog,
		registry:        registry,
		incrementRules:  incrementRules,
		log:             log,
	}
}

func (am *AuctionManager) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.AuctionSession, error) {
	increment := req.BidIncrement
	if increment.IsZero() && am.incrementRules != nil {
		increment = am.incrementRules.GetIncrementRule(req.StartingBid)
	}

	now := time.Now()
	session := &domain.AuctionSession{
		ID:              utils.GenerateID("session"),
		ItemID:          req.ItemID,
		SellerID:        req.SellerID,
		StartingBid:     req.StartingBid,
		BuyNowPrice:     req.BuyNowPrice,
		BidIncrement:    increment,
		RequiredDeposit: req.RequiredDeposit,
		ScheduledStart:  req.ScheduledStart,
		ScheduledEnd:    req.ScheduledEnd,
		Status:          domain.SessionDraft,
		CurrentPrice:    req.StartingBid,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	if err := am.sessionRepo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if am.scheduler != nil {
		if err := am.scheduler.ScheduleSessionStart(ctx, session.ID, session.ScheduledStart); err != nil {
			return nil, fmt.Errorf("failed to schedule start: %w", err)
		}
		if err := am.scheduler.ScheduleSessionEnd(ctx, session.ID, session.ScheduledEnd); err != nil {
			return nil, fmt.Errorf("failed to schedule end: %w", err)
		}
	}

	am.log.Info("Session created", "session_id", session.ID, "item_id", session.ItemID,
		"starting_bid", session.StartingBid, "bid_increment", session.BidIncrement)
	return session, nil
}

func (am *AuctionManager) VerifySession(ctx context.Context, sessionID string) (*domain.Result, error) {
	res, err := am.registry.Dispatch(ctx, sessionID, domain.Command{Type: domain.CommandVerify})
	if err != nil {
		return nil, err
	}
	am.logResult("Verify", sessionID, res)
	return res, nil
}

func (am *AuctionManager) CancelSession(ctx context.Context, sessionID, actorID string) (*domain.Result, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", domain.ErrInvalidCommand)
	}

	res, err := am.registry.Dispatch(ctx, sessionID, domain.Command{Type: domain.CommandCancel, ActorID: actorID})
	if err != nil {
		return nil, err
	}
	am.logResult("Cancel", sessionID, res, "actor_id", actorID)

	if res.Accepted && !res.Replayed && am.scheduler != nil {
		if err := am.scheduler.CancelSchedule(ctx, sessionID); err != nil {
			am.log.Warn("Failed to cancel scheduled jobs", "session_id", sessionID, "error", err)
		}
	}
	return res, nil
}

// StartSession is the durable backup of the session clock. Rejections are
// not errors: the clock has usually fired already.
func (am *AuctionManager) StartSession(ctx context.Context, sessionID string) error {
	res, err := am.registry.Dispatch(ctx, sessionID, domain.Command{Type: domain.CommandClockStart})
	if err != nil {
		return err
	}
	am.logResult("Scheduled start", sessionID, res)
	return nil
}

func (am *AuctionManager) EndSession(ctx context.Context, sessionID string) error {
	res, err := am.registry.Dispatch(ctx, sessionID, domain.Command{Type: domain.CommandClockEnd})
	if err != nil {
		return err
	}
	am.logResult("Scheduled end", sessionID, res)
	return nil
}

func (am *AuctionManager) GetSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	return am.registry.Snapshot(ctx, sessionID)
}

func (am *AuctionManager) ListBids(ctx context.Context, sessionID string) ([]*domain.Bid, error) {
	if _, err := am.sessionRepo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return am.bidRepo.ListBids(ctx, sessionID)
}

// ListEvents returns the audit trail written by the analytics service.
func (am *AuctionManager) ListEvents(ctx context.Context, sessionID string) ([]*domain.Event, error) {
	if _, err := am.sessionRepo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return am.eventLog.GetEvents(ctx, sessionID)
}

func (am *AuctionManager) ListParticipations(ctx context.Context, userID string) ([]*domain.Participant, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrInvalidCommand)
	}
	return am.participantRepo.ListParticipationsForUser(ctx, userID)
}

func (am *AuctionManager) SetScheduler(scheduler domain.SessionScheduler) {
	am.scheduler = scheduler
}

func (am *AuctionManager) logResult(action, sessionID string, res *domain.Result, kv ...interface{}) {
	fields := append([]interface{}{"session_id", sessionID, "accepted", res.Accepted}, kv...)
	if !res.Accepted {
		fields = append(fields, "reason", res.Reason)
		am.log.Debug(action+" rejected", fields...)
		return
	}
	am.log.Info(action+" applied", fields...)
}
