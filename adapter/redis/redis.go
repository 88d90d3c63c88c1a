// Package redis announces session lifecycle events over Redis.
//
// Every event is PUBLISHed as JSON on a channel for live subscribers. When a
// stream is configured the same body is also appended with XADD, capped at
// StreamMaxLen entries, so consumers that were offline can catch up.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/mrci/adapter"
)

// Defaults.
const (
	DefaultChannel      = "mrci:sessions"
	DefaultTimeout      = 5 * time.Second
	DefaultRetries      = 3
	DefaultStreamMaxLen = 10000
)

// Config configures the Redis adapter.
type Config struct {
	// URL is redis://[:password@]host:port[/db] (required).
	URL     string
	Channel string
	// Stream, when set, also receives every event via XADD.
	Stream       string
	StreamMaxLen int64
	// Timeout bounds one publish round trip.
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// Adapter publishes session events to Redis.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New validates cfg and opens a lazily connecting client.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Stream != "" && cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = DefaultStreamMaxLen
	}
	return &Adapter{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Publish sends the event. PUBLISH and the optional XADD share one
// pipeline, so a retry repeats both.
func (a *Adapter) Publish(ctx context.Context, event *adapter.SessionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	err = adapter.Deliver(ctx, a.config.Retries, a.config.Backoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
		_, err := a.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
			p.Publish(ctx, a.config.Channel, body)
			if a.config.Stream != "" {
				p.XAdd(ctx, &goredis.XAddArgs{
					Stream: a.config.Stream,
					MaxLen: a.config.StreamMaxLen,
					Approx: true,
					Values: map[string]any{
						"event":   event.EventType,
						"session": event.SessionID,
						"body":    body,
					},
				})
			}
			return nil
		})
		if errors.Is(err, goredis.ErrClosed) {
			return adapter.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
