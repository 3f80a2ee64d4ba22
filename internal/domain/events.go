package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventBidAccepted   EventType = "bid_accepted"
	EventTimeTick      EventType = "time_tick"
	EventSessionClosed EventType = "session_closed"
	EventSessionLive   EventType = "session_live"
	EventPresence      EventType = "presence"
)

// Event is a state delta published to every subscriber of a session.
// Subscribers dedupe bid events by Sequence.
type Event struct {
	Type         EventType           `json:"type"`
	SessionID    string              `json:"session_id"`
	Sequence     int64               `json:"sequence"`
	Amount       decimal.Decimal     `json:"amount"`
	LeaderID     string              `json:"leader_id,omitempty"`
	Remaining    time.Duration       `json:"remaining_ns,omitempty"`
	WinnerID     string              `json:"winner_id,omitempty"`
	WinningPrice decimal.NullDecimal `json:"winning_price"`
	Status       SessionStatus       `json:"status"`
	Participants int                 `json:"participants,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

// AuctionSettled is the one outcome fact handed to the settlement workflow.
type AuctionSettled struct {
	SessionID    string              `json:"session_id"`
	WinnerID     *string             `json:"winner_id"`
	WinningPrice decimal.NullDecimal `json:"winning_price"`
	Status       SessionStatus       `json:"status"`
	SettledAt    time.Time           `json:"settled_at"`
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, event *Event) error
}

type EventSubscriber interface {
	SubscribeToEvents(ctx context.Context, handler EventHandler) error
}

type EventHandler func(event *Event) error
