package leader

import (
	"context"
	"sync"
	"time"

	"auction-engine/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const sessionOwnerPrefix = "session_owner:"

const claimScript = `
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
elseif current == false then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return 1
else
    return 0
end
`

func ownerKey(sessionID string) string {
	return sessionOwnerPrefix + sessionID
}

type claim struct {
	instanceID string
	renewedAt  time.Time
}

// RedisSessionOwnership keeps one owner key per claimed session. A single
// heartbeat renews every key this process holds; a key that could not be
// renewed is reported through the OnLost callback and forgotten.
type RedisSessionOwnership struct {
	client *redis.Client
	ttl    time.Duration
	log    logger.Logger

	mutex     sync.Mutex
	claims    map[string]*claim
	onLost    func(sessionID string)
	heartbeat context.CancelFunc
}

func NewRedisSessionOwnership(client *redis.Client, ttl time.Duration, log logger.Logger) *RedisSessionOwnership {
	return &RedisSessionOwnership{
		client: client,
		ttl:    ttl,
		log:    log,
		claims: make(map[string]*claim),
	}
}

// OnLost registers fn to run when a held session could not be renewed.
func (o *RedisSessionOwnership) OnLost(fn func(sessionID string)) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.onLost = fn
}

func (o *RedisSessionOwnership) Claim(ctx context.Context, sessionID, instanceID string) (bool, error) {
	claimed, err := o.client.Eval(ctx, claimScript, []string{ownerKey(sessionID)},
		instanceID, o.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	if claimed == 0 {
		return false, nil
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.claims[sessionID] = &claim{instanceID: instanceID, renewedAt: time.Now()}
	if o.heartbeat == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		o.heartbeat = cancel
		go o.maintainClaims(hbCtx)
	}
	return true, nil
}

func (o *RedisSessionOwnership) Release(ctx context.Context, sessionID, instanceID string) error {
	o.mutex.Lock()
	if c, ok := o.claims[sessionID]; ok && c.instanceID == instanceID {
		delete(o.claims, sessionID)
	}
	if len(o.claims) == 0 && o.heartbeat != nil {
		o.heartbeat()
		o.heartbeat = nil
	}
	o.mutex.Unlock()

	return o.client.Eval(ctx, releaseScript, []string{ownerKey(sessionID)}, instanceID).Err()
}

// Held lists the sessions this process currently owns.
func (o *RedisSessionOwnership) Held() []string {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	ids := make([]string, 0, len(o.claims))
	for id := range o.claims {
		ids = append(ids, id)
	}
	return ids
}

func (o *RedisSessionOwnership) maintainClaims(ctx context.Context) {
	ticker := time.NewTicker(o.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.renewAll(ctx)
	}
}

func (o *RedisSessionOwnership) renewAll(ctx context.Context) {
	o.mutex.Lock()
	held := make(map[string]claim, len(o.claims))
	for id, c := range o.claims {
		held[id] = *c
	}
	o.mutex.Unlock()

	var lost []string
	for id, c := range held {
		renewCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		renewed, err := o.client.Eval(renewCtx, renewScript, []string{ownerKey(id)},
			c.instanceID, o.ttl.Milliseconds()).Int64()
		cancel()

		switch {
		case err != nil:
			// The key may already have expired for everyone else.
			if time.Since(c.renewedAt) >= o.ttl*2/3 {
				lost = append(lost, id)
			}
			o.log.Warn("Failed to renew session ownership", "session_id", id, "error", err)
		case renewed == 0:
			lost = append(lost, id)
		default:
			o.mutex.Lock()
			if cur, ok := o.claims[id]; ok && cur.instanceID == c.instanceID {
				cur.renewedAt = time.Now()
			}
			o.mutex.Unlock()
		}
	}

	for _, id := range lost {
		o.mutex.Lock()
		if cur, ok := o.claims[id]; !ok || cur.instanceID != held[id].instanceID {
			o.mutex.Unlock()
			continue
		}
		delete(o.claims, id)
		fn := o.onLost
		o.mutex.Unlock()

		o.log.Warn("Lost session ownership", "session_id", id)
		if fn != nil {
			fn(id)
		}
	}
}
