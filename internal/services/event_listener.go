package services

import (
	"context"
	"fmt"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
)

// EventListener consumes the published session events and keeps the audit
// trail used by the analytics service.
type EventListener struct {
	eventLog domain.EventLogRepository
	log      logger.Logger
}

func NewEventListener(eventLog domain.EventLogRepository, log logger.Logger) *EventListener {
	return &EventListener{
		eventLog: eventLog,
		log:      log,
	}
}

func (el *EventListener) Start(ctx context.Context, subscriber domain.EventSubscriber) error {
	el.log.Info("Starting event listener")
	return subscriber.SubscribeToEvents(ctx, func(event *domain.Event) error {
		return el.handleEvent(ctx, event)
	})
}

func (el *EventListener) handleEvent(ctx context.Context, event *domain.Event) error {
	el.log.Debug("Handling event", "type", event.Type, "session_id", event.SessionID, "sequence", event.Sequence)

	switch event.Type {
	case domain.EventBidAccepted, domain.EventSessionLive, domain.EventSessionClosed, domain.EventPresence:
		if err := el.eventLog.SaveEvent(ctx, event); err != nil {
			return fmt.Errorf("failed to save %s event: %w", event.Type, err)
		}
		if event.Type == domain.EventSessionClosed {
			el.log.Info("Session closed", "session_id", event.SessionID, "status", event.Status,
				"winner_id", event.WinnerID, "winning_price", event.WinningPrice)
		}
		return nil
	case domain.EventTimeTick:
		return nil
	}

	return fmt.Errorf("unknown event type %q", event.Type)
}
