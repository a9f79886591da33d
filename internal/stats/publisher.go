package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const publishKeyPrefix = "udstunnel:stats:"

// Publisher periodically writes the stats snapshot to Redis so a fleet of
// relay instances can be polled from one place. Entirely optional; the
// in-process aggregator stays authoritative.
type Publisher struct {
	client   *redis.Client
	agg      *Aggregator
	instance string
	interval time.Duration
}

// NewPublisher connects to Redis and verifies it is reachable.
func NewPublisher(addr, password, instance string, agg *Aggregator, interval time.Duration) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Publisher{
		client:   client,
		agg:      agg,
		instance: instance,
		interval: interval,
	}, nil
}

// Run publishes until the context is canceled. Publish failures are logged
// and retried on the next tick.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer func() { _ = p.client.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publish(ctx); err != nil {
				slog.Warn("stats publish failed", "err", err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	data, err := json.Marshal(p.agg.Snapshot())
	if err != nil {
		return err
	}
	// three missed intervals and the key expires, so dead instances age out
	ttl := 3 * p.interval
	return p.client.Set(ctx, publishKeyPrefix+p.instance, data, ttl).Err()
}
