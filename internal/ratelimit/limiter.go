// Package ratelimit caps recognition requests per client in fixed windows
// counted in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// FixedWindow allows up to limit requests per subject in each window.
type FixedWindow struct {
	client    redis.UniversalClient
	limit     int64
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewFixedWindow(client redis.UniversalClient, limit int, window time.Duration, keyPrefix string) (*FixedWindow, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be at least 1ms")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "cardscan:ratelimit"
	}

	return &FixedWindow{
		client:    client,
		limit:     int64(limit),
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *FixedWindow) Allow(ctx context.Context, subject string) (Decision, error) {
	now := l.now().UTC()
	key, resetIn := windowKey(l.keyPrefix, subject, now, l.window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("count request: %w", err)
	}

	return decide(incr.Val(), l.limit, resetIn), nil
}

// windowKey returns the counter key for the window containing now and the
// time left until that window closes.
func windowKey(prefix, subject string, now time.Time, window time.Duration) (string, time.Duration) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	windowMS := window.Milliseconds()
	nowMS := now.UnixMilli()
	index := nowMS / windowMS
	resetIn := time.Duration(windowMS-nowMS%windowMS) * time.Millisecond
	return fmt.Sprintf("%s:%s:%d", prefix, subject, index), resetIn
}

func decide(count, limit int64, resetIn time.Duration) Decision {
	if count <= limit {
		return Decision{Allowed: true, Limit: limit, Remaining: limit - count}
	}
	return Decision{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: resetIn}
}
