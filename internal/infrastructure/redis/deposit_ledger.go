package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisDepositLedger stores the wallet's deposit facts as one hash per
// session, field per user.
type RedisDepositLedger struct {
	client *redis.Client
}

func NewRedisDepositLedger(client *redis.Client) *RedisDepositLedger {
	return &RedisDepositLedger{client: client}
}

func depositKey(sessionID string) string {
	return fmt.Sprintf("session:%s:deposits", sessionID)
}

func (r *RedisDepositLedger) HasDeposit(ctx context.Context, sessionID, userID string) (bool, error) {
	value, err := r.client.HGet(ctx, depositKey(sessionID), userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return value == "1", nil
}

func (r *RedisDepositLedger) RecordDeposit(ctx context.Context, sessionID, userID string, hasDeposit bool) error {
	value := "0"
	if hasDeposit {
		value = "1"
	}
	return r.client.HSet(ctx, depositKey(sessionID), userID, value).Err()
}
