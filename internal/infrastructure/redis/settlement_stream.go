package redis

import (
	"auction-engine/internal/domain"
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

const SettlementStream = "auction_settlements"

// RedisSettlementStream appends outcomes to a Redis stream read by the order
// workflow. Consumers dedupe by session_id.
type RedisSettlementStream struct {
	client *redis.Client
	stream string
}

func NewRedisSettlementStream(client *redis.Client) *RedisSettlementStream {
	return &RedisSettlementStream{client: client, stream: SettlementStream}
}

func (r *RedisSettlementStream) EmitSettlement(ctx context.Context, settled *domain.AuctionSettled) error {
	payload, err := json.Marshal(settled)
	if err != nil {
		return err
	}

	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"session_id": settled.SessionID,
			"status":     settled.Status.String(),
			"payload":    string(payload),
		},
	}).Err()
}
