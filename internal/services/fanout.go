package services

import (
	"context"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"
)

// Fanout delivers session events to local websocket subscribers and to every
// configured publisher. Each sink is retried on its own so that one slow
// sink does not starve the others.
type Fanout struct {
	broadcaster domain.SessionBroadcaster
	notifier    domain.UserNotifier
	publishers  []domain.EventPublisher
	attempts    int
	backoff     time.Duration
	log         logger.Logger
}

func NewFanout(broadcaster domain.SessionBroadcaster, notifier domain.UserNotifier, attempts int,
	backoff time.Duration, log logger.Logger, publishers ...domain.EventPublisher) *Fanout {
	return &Fanout{
		broadcaster: broadcaster,
		notifier:    notifier,
		publishers:  publishers,
		attempts:    attempts,
		backoff:     backoff,
		log:         log,
	}
}

func (f *Fanout) Publish(ctx context.Context, event *domain.Event) {
	if f.broadcaster != nil {
		f.retry(ctx, event, "broadcast", func(ctx context.Context) error {
			return f.broadcaster.BroadcastToSession(ctx, event.SessionID, event)
		})
	}

	// Ticks are only interesting to connected clients.
	if event.Type != domain.EventTimeTick {
		for _, pub := range f.publishers {
			pub := pub
			f.retry(ctx, event, "publish", func(ctx context.Context) error {
				return pub.PublishEvent(ctx, event)
			})
		}
	}

	if event.Type == domain.EventSessionClosed && event.WinnerID != "" && f.notifier != nil {
		f.retry(ctx, event, "notify winner", func(ctx context.Context) error {
			return f.notifier.NotifyUser(ctx, event.WinnerID, map[string]interface{}{
				"type":          "auction_won",
				"session_id":    event.SessionID,
				"winning_price": event.WinningPrice,
			})
		})
	}
}

func (f *Fanout) retry(ctx context.Context, event *domain.Event, sink string, fn func(ctx context.Context) error) {
	if err := utils.Retry(ctx, f.attempts, f.backoff, fn); err != nil {
		f.log.Error("Failed to deliver event", "sink", sink, "type", event.Type,
			"session_id", event.SessionID, "sequence", event.Sequence, "error", err)
	}
}
