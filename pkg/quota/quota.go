package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Gate decides whether a user may make another chat call today.
type Gate interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Limiter is a daily call counter over github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewDaily(rdb *redis.Client, maxCallsPerDay int) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(maxCallsPerDay),
		extratelimit.WithWindow(24*time.Hour),
	)
	return &Limiter{store: store}
}

func NewWithLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func (l *Limiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := fmt.Sprintf("quota:daily:%s", userID)
	res, err := l.store.AllowN(ctx, key, 1)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// AllowAll is the gate used when no Redis is configured: every call passes.
type AllowAll struct{}

func (AllowAll) Allow(ctx context.Context, userID string) (bool, error) {
	return true, nil
}
