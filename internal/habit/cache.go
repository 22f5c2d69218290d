package habit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// ProposalCache holds each user's most recent proposal for a short window.
// Entries are keyed by user and never shared across users.
type ProposalCache interface {
	Get(ctx context.Context, userID string) (models.HabitSuggestion, bool, error)
	Put(ctx context.Context, userID string, s models.HabitSuggestion, ttl time.Duration) error
}

type memoryEntry struct {
	suggestion models.HabitSuggestion
	expiresAt  time.Time
}

// MemoryProposalCache is an in-process ProposalCache.
type MemoryProposalCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryProposalCache creates an empty in-memory cache.
func NewMemoryProposalCache() *MemoryProposalCache {
	return &MemoryProposalCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements ProposalCache.
func (c *MemoryProposalCache) Get(_ context.Context, userID string) (models.HabitSuggestion, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return models.HabitSuggestion{}, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, userID)
		return models.HabitSuggestion{}, false, nil
	}
	return e.suggestion, true, nil
}

// Put implements ProposalCache.
func (c *MemoryProposalCache) Put(_ context.Context, userID string, s models.HabitSuggestion, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = memoryEntry{suggestion: s, expiresAt: c.now().Add(ttl)}
	return nil
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const redisKeyPrefix = "carepipe:habit:proposal:"

// RedisProposalCache stores proposals in Redis with a TTL.
type RedisProposalCache struct {
	rdb redis.Cmdable
}

// NewRedisProposalCache connects to Redis and verifies the connection.
func NewRedisProposalCache(cfg RedisConfig) (*RedisProposalCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisProposalCache{rdb: rdb}, nil
}

// Get implements ProposalCache.
func (c *RedisProposalCache) Get(ctx context.Context, userID string) (models.HabitSuggestion, bool, error) {
	raw, err := c.rdb.Get(ctx, redisKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return models.HabitSuggestion{}, false, nil
	}
	if err != nil {
		return models.HabitSuggestion{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	var s models.HabitSuggestion
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return models.HabitSuggestion{}, false, fmt.Errorf("decode cached proposal: %w", err)
	}
	return s, true, nil
}

// Put implements ProposalCache.
func (c *RedisProposalCache) Put(ctx context.Context, userID string, s models.HabitSuggestion, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}
	if err := c.rdb.Set(ctx, redisKeyPrefix+userID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Close releases the Redis connection when the cache owns one.
func (c *RedisProposalCache) Close() error {
	if cl, ok := c.rdb.(*redis.Client); ok {
		return cl.Close()
	}
	return nil
}
