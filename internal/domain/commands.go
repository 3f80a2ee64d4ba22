package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CommandType string

const (
	CommandVerify     CommandType = "verify"
	CommandClockStart CommandType = "clock_start"
	CommandBid        CommandType = "bid"
	CommandBuyNow     CommandType = "buy_now"
	CommandClockEnd   CommandType = "clock_end"
	CommandCancel     CommandType = "cancel"
	CommandTick       CommandType = "tick"
	CommandJoin       CommandType = "join"
	CommandLeave      CommandType = "leave"
)

// Mutating reports whether the command can change price, leader or status.
func (t CommandType) Mutating() bool {
	switch t {
	case CommandVerify, CommandClockStart, CommandBid, CommandBuyNow, CommandClockEnd, CommandCancel:
		return true
	}
	return false
}

type Command struct {
	Type             CommandType
	UserID           string
	Amount           decimal.Decimal
	IdempotencyToken string
	// HasDeposit is resolved by the deposit gate before the command is queued.
	HasDeposit bool
	ActorID    string
	// At is stamped by the session worker when the command is dequeued.
	At time.Time
}

type RejectReason string

const (
	RejectNone              RejectReason = ""
	RejectSessionNotLive    RejectReason = "session_not_live"
	RejectSessionExpired    RejectReason = "session_expired_race"
	RejectDepositRequired   RejectReason = "deposit_required"
	RejectBidTooLow         RejectReason = "bid_too_low"
	RejectAlreadyLeader     RejectReason = "already_leader"
	RejectBuyNowUnavailable RejectReason = "buy_now_unavailable"
	RejectSessionClosed     RejectReason = "session_closed"
	RejectInvalidTransition RejectReason = "invalid_transition"
)

type Result struct {
	Accepted bool            `json:"accepted"`
	Reason   RejectReason    `json:"reason,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Sequence int64           `json:"sequence"`
	Replayed bool            `json:"replayed,omitempty"`
	Snapshot *Snapshot       `json:"snapshot,omitempty"`

	Events      []Event         `json:"-"`
	Settlement  *AuctionSettled `json:"-"`
	Bid         *Bid            `json:"-"`
	Participant *Participant    `json:"-"`
}

func Rejected(reason RejectReason) Result {
	return Result{Reason: reason}
}
