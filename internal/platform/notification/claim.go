package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Claimer hands each task to at most one dispatcher at a time. A claim
// expires after its TTL so a crashed dispatcher does not strand the task.
type Claimer interface {
	Claim(ctx context.Context, taskID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, taskID uuid.UUID) error
}

// redisClient is the subset of redis.Cmdable the claimer uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisClaimer claims with SET NX so dispatchers on several hosts agree.
type RedisClaimer struct {
	client redisClient
	owner  string
	prefix string
}

// NewRedisClaimer returns a claimer storing owner under reminder:claim:<task id>.
func NewRedisClaimer(client redisClient, owner string) *RedisClaimer {
	return &RedisClaimer{client: client, owner: owner, prefix: "reminder:claim:"}
}

func (c *RedisClaimer) Claim(ctx context.Context, taskID uuid.UUID, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+taskID.String(), c.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", taskID, err)
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, taskID uuid.UUID) error {
	if err := c.client.Del(ctx, c.prefix+taskID.String()).Err(); err != nil {
		return fmt.Errorf("release %s: %w", taskID, err)
	}
	return nil
}

// MemoryClaimer serves a single dispatcher process.
type MemoryClaimer struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[uuid.UUID]time.Time
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{now: time.Now, claims: make(map[uuid.UUID]time.Time)}
}

func (c *MemoryClaimer) Claim(_ context.Context, taskID uuid.UUID, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if exp, ok := c.claims[taskID]; ok && now.Before(exp) {
		return false, nil
	}
	c.claims[taskID] = now.Add(ttl)
	return true, nil
}

func (c *MemoryClaimer) Release(_ context.Context, taskID uuid.UUID) error {
	c.mu.Lock()
	delete(c.claims, taskID)
	c.mu.Unlock()
	return nil
}
