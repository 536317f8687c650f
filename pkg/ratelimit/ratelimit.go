package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a per-caller tokens-per-minute budget backed by
// github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewWithStore(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(callerID string) string {
	return fmt.Sprintf("ratelimit:caller:%s", callerID)
}

// Allow spends tokens from the caller's budget. A nil Limiter allows
// everything.
func (l *Limiter) Allow(ctx context.Context, callerID string, tokens int) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store.AllowN(ctx, key(callerID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, callerID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(callerID))
}
