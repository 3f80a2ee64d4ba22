package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"auction-engine/internal/domain"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const incrementRulesKey = "bid_increment_rules"

var defaultIncrement = decimal.NewFromInt(5)

// IncrementRuleStore keeps the tiered default bid increments in Redis. The
// bands are keyed "0-100", "100-500" and "500+".
type IncrementRuleStore struct {
	client *redis.Client
	rules  *domain.IncrementRules
	mutex  sync.RWMutex
}

func NewIncrementRuleStore(client *redis.Client) *IncrementRuleStore {
	return &IncrementRuleStore{client: client}
}

func DefaultIncrementRules() *domain.IncrementRules {
	return &domain.IncrementRules{
		Rules: map[string]decimal.Decimal{
			"0-100":   decimal.NewFromInt(5),
			"100-500": decimal.NewFromInt(10),
			"500+":    decimal.NewFromInt(25),
		},
	}
}

func (s *IncrementRuleStore) LoadRules(ctx context.Context) error {
	data, err := s.client.Get(ctx, incrementRulesKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// TODO: seed the bands from config instead of the built-in defaults.
			rules := DefaultIncrementRules()
			s.set(rules)
			return s.saveRules(ctx, rules)
		}
		return err
	}

	var rules domain.IncrementRules
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return err
	}

	s.set(&rules)
	return nil
}

func (s *IncrementRuleStore) saveRules(ctx context.Context, rules *domain.IncrementRules) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, incrementRulesKey, string(data), 0).Err()
}

func (s *IncrementRuleStore) GetIncrementRule(amount decimal.Decimal) decimal.Decimal {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.rules == nil {
		return defaultIncrement
	}

	band := "500+"
	if amount.LessThan(decimal.NewFromInt(100)) {
		band = "0-100"
	} else if amount.LessThan(decimal.NewFromInt(500)) {
		band = "100-500"
	}
	if rule, ok := s.rules.Rules[band]; ok && rule.IsPositive() {
		return rule
	}
	return defaultIncrement
}

func (s *IncrementRuleStore) set(rules *domain.IncrementRules) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.rules = rules
}
