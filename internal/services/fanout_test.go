package services

import (
	"context"
	"testing"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func TestFanout_TicksStayLocal(t *testing.T) {
	sinks := &recordingSinks{}
	f := NewFanout(sinks, sinks, 1, time.Millisecond, logger.NewNop(), sinks)

	f.Publish(context.Background(), &domain.Event{Type: domain.EventTimeTick, SessionID: "s1"})
	f.Publish(context.Background(), &domain.Event{Type: domain.EventBidAccepted, SessionID: "s1", Sequence: 1})

	check.Equal(t, 2, len(sinks.events))
	check.Equal(t, 1, len(sinks.published))
	check.Equal(t, domain.EventBidAccepted, sinks.published[0].Type)
	check.Equal(t, 0, len(sinks.notified))
}

func TestFanout_NotifiesWinner(t *testing.T) {
	sinks := &recordingSinks{}
	f := NewFanout(sinks, sinks, 1, time.Millisecond, logger.NewNop())

	f.Publish(context.Background(), &domain.Event{
		Type:         domain.EventSessionClosed,
		SessionID:    "s1",
		WinnerID:     "w",
		WinningPrice: decimal.NewNullDecimal(dec("10")),
	})
	f.Publish(context.Background(), &domain.Event{Type: domain.EventSessionClosed, SessionID: "s2"})

	check.Equal(t, []string{"w"}, sinks.notified)
}

func TestFanout_RetriesFailedBroadcast(t *testing.T) {
	sinks := &recordingSinks{failFirst: 1}
	f := NewFanout(sinks, nil, 3, time.Millisecond, logger.NewNop())

	f.Publish(context.Background(), &domain.Event{Type: domain.EventPresence, SessionID: "s1"})
	check.Equal(t, 1, len(sinks.events))
}
