package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type AuctionSession struct {
	ID              string
	ItemID          string
	SellerID        string
	StartingBid     decimal.Decimal
	BuyNowPrice     decimal.NullDecimal
	BidIncrement    decimal.Decimal
	RequiredDeposit decimal.Decimal
	ScheduledStart  time.Time
	ScheduledEnd    time.Time
	Status          SessionStatus
	CurrentPrice    decimal.Decimal
	CurrentLeaderID string
	WinnerID        string
	WinningPrice    decimal.NullDecimal
	BidSequence     int64
	BuyNowToken     string // token of the buy-now that closed the session
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *AuctionSession) Duration() time.Duration {
	return s.ScheduledEnd.Sub(s.ScheduledStart)
}

// Validate checks the creation-time constraints of a session.
func (s *AuctionSession) Validate() error {
	switch {
	case s.ItemID == "" || s.SellerID == "":
		return fmt.Errorf("%w: item_id and seller_id are required", ErrInvalidSession)
	case !s.StartingBid.IsPositive():
		return fmt.Errorf("%w: starting bid must be positive", ErrInvalidSession)
	case !s.BidIncrement.IsPositive():
		return fmt.Errorf("%w: bid increment must be positive", ErrInvalidSession)
	case s.RequiredDeposit.IsNegative():
		return fmt.Errorf("%w: required deposit must not be negative", ErrInvalidSession)
	case s.BuyNowPrice.Valid && !s.BuyNowPrice.Decimal.GreaterThan(s.StartingBid):
		return fmt.Errorf("%w: buy now price must exceed starting bid", ErrInvalidSession)
	case !s.ScheduledEnd.After(s.ScheduledStart):
		return fmt.Errorf("%w: scheduled end must be after scheduled start", ErrInvalidSession)
	}
	return nil
}

type SessionStatus int

const (
	SessionDraft SessionStatus = iota
	SessionVerified
	SessionLive
	SessionEnded
	SessionCancelled
)

func (s SessionStatus) String() string {
	switch s {
	case SessionDraft:
		return "draft"
	case SessionVerified:
		return "verified"
	case SessionLive:
		return "live"
	case SessionEnded:
		return "ended"
	case SessionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s SessionStatus) IsTerminal() bool {
	return s == SessionEnded || s == SessionCancelled
}

func (s SessionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseSessionStatus(value string) (SessionStatus, error) {
	switch value {
	case "draft":
		return SessionDraft, nil
	case "verified":
		return SessionVerified, nil
	case "live":
		return SessionLive, nil
	case "ended":
		return SessionEnded, nil
	case "cancelled":
		return SessionCancelled, nil
	}
	return SessionDraft, fmt.Errorf("unknown session status %q", value)
}

// Bid is an accepted bid. Rejected bids are never recorded.
type Bid struct {
	SessionID        string          `json:"session_id"`
	BidderID         string          `json:"bidder_id"`
	Amount           decimal.Decimal `json:"amount"`
	AcceptedAt       time.Time       `json:"accepted_at"`
	SequenceNumber   int64           `json:"sequence"`
	IdempotencyToken string          `json:"-"`
}

type Participant struct {
	UserID     string          `json:"user_id"`
	SessionID  string          `json:"session_id"`
	HasDeposit bool            `json:"has_deposit"`
	JoinedAt   time.Time       `json:"joined_at"`
	LeftAt     *time.Time      `json:"left_at,omitempty"`
	TopBid     decimal.Decimal `json:"top_bid"`
}

// Snapshot is a read-only copy of a session taken at the end of an apply.
type Snapshot struct {
	SessionID       string              `json:"session_id"`
	ItemID          string              `json:"item_id"`
	SellerID        string              `json:"seller_id"`
	Status          SessionStatus       `json:"status"`
	StartingBid     decimal.Decimal     `json:"starting_bid"`
	CurrentPrice    decimal.Decimal     `json:"current_price"`
	MinimumNextBid  decimal.Decimal     `json:"minimum_next_bid"`
	BidIncrement    decimal.Decimal     `json:"bid_increment"`
	BuyNowPrice     decimal.NullDecimal `json:"buy_now_price"`
	RequiredDeposit decimal.Decimal     `json:"required_deposit"`
	LeaderID        string              `json:"leader_id,omitempty"`
	WinnerID        string              `json:"winner_id,omitempty"`
	WinningPrice    decimal.NullDecimal `json:"winning_price"`
	BidSequence     int64               `json:"bid_sequence"`
	BuyNowToken     string              `json:"-"`
	ScheduledStart  time.Time           `json:"scheduled_start"`
	ScheduledEnd    time.Time           `json:"scheduled_end"`
	Remaining       time.Duration       `json:"remaining_ns"`
	Participants    int                 `json:"participants"`
	TakenAt         time.Time           `json:"taken_at"`
}

func (s *Snapshot) RemainingAt(now time.Time) time.Duration {
	if s.Status != SessionLive {
		return 0
	}
	if remaining := s.ScheduledEnd.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

type ScheduledJob struct {
	ID        string
	SessionID string
	JobType   JobType
	RunAt     time.Time
	Status    JobStatus
	CreatedAt time.Time
}

type JobType string

const (
	JobStartSession JobType = "start_session"
	JobEndSession   JobType = "end_session"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobExecuted  JobStatus = "executed"
	JobCancelled JobStatus = "cancelled"
)

// IncrementRules maps price bands to a default bid increment.
type IncrementRules struct {
	Rules map[string]decimal.Decimal `json:"rules"`
}
