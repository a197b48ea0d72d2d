// Package kv opens the shared Redis client. Redis is both the stream
// substrate and the durable KV that holds the PnL ledger, risk parameters,
// idempotency records, order state, cooldown keys, and notification state.
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// Open parses REDIS_URL, dials, and pings until Redis answers or the retry
// budget runs out. One pooled client per process is shared by appenders and
// blocking consumers; go-redis checks out a dedicated connection for
// blocking reads, so no separate subscriber client is needed.
func Open(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not ready", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	logger.Info("redis connected", "addr", opts.Addr)
	return client, nil
}
