package services

import (
	"time"

	"auction-engine/internal/domain"

	"github.com/shopspring/decimal"
)

// BiddingPolicy holds engine-wide switches that change bid legality.
type BiddingPolicy struct {
	AllowLeaderRebid bool
}

// Validate checks a bid or buy-now command against a session snapshot.
// It has no side effects; the first failing check decides the reason.
func Validate(snap *domain.Snapshot, cmd domain.Command, now time.Time, policy BiddingPolicy) domain.RejectReason {
	if snap.Status != domain.SessionLive {
		return domain.RejectSessionNotLive
	}
	// A command stamped exactly at the end loses to the clock.
	if !now.Before(snap.ScheduledEnd) {
		return domain.RejectSessionExpired
	}
	if snap.RequiredDeposit.IsPositive() && !cmd.HasDeposit {
		return domain.RejectDepositRequired
	}

	switch cmd.Type {
	case domain.CommandBid:
		if cmd.Amount.LessThan(MinimumNextBid(snap)) {
			return domain.RejectBidTooLow
		}
		if !policy.AllowLeaderRebid && snap.LeaderID != "" && snap.LeaderID == cmd.UserID {
			return domain.RejectAlreadyLeader
		}
	case domain.CommandBuyNow:
		if !snap.BuyNowPrice.Valid || !snap.BuyNowPrice.Decimal.GreaterThan(snap.CurrentPrice) {
			return domain.RejectBuyNowUnavailable
		}
	default:
		return domain.RejectInvalidTransition
	}
	return domain.RejectNone
}

func MinimumNextBid(snap *domain.Snapshot) decimal.Decimal {
	return snap.CurrentPrice.Add(snap.BidIncrement)
}
