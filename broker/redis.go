package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/mrci/log"
)

// DefaultChannel is the default redis channel for bridged events.
const DefaultChannel = "mrci:bus"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// outboxSize bounds the events waiting to be mirrored. Overflow is dropped
// and logged.
const outboxSize = 1024

// RedisConfig configures a RedisBridge.
type RedisConfig struct {
	// URL is the redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel shared by every node.
	Channel string
	// NodeID identifies this listener; a node ignores its own events.
	NodeID string
	// Timeout is the per-publish timeout.
	Timeout time.Duration
}

type wireEvent struct {
	Node  string `msgpack:"node"`
	Event Event  `msgpack:"event"`
}

// RedisBridge mirrors bus events to redis and republishes events from other
// nodes locally.
type RedisBridge struct {
	config RedisConfig
	bus    *Bus
	client *goredis.Client
	logger *log.Logger

	outbox chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBridge validates cfg and connects lazily; call Start to begin.
func NewRedisBridge(cfg RedisConfig, bus *Bus, logger *log.Logger) (*RedisBridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis bridge requires a URL")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("redis bridge requires a node id")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis bridge: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &RedisBridge{
		config: cfg,
		bus:    bus,
		client: goredis.NewClient(opts),
		logger: logger.Named("bridge").With(map[string]any{"node": cfg.NodeID}),
		outbox: make(chan Event, outboxSize),
	}, nil
}

// Start subscribes to the shared channel and installs the bus mirror. It
// returns once the subscription is confirmed.
func (r *RedisBridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sub := r.client.Subscribe(ctx, r.config.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return fmt.Errorf("redis bridge: subscribe: %w", err)
	}
	r.cancel = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer func() { _ = sub.Close() }()
		r.receive(ctx, sub.Channel())
	}()
	go func() {
		defer r.wg.Done()
		r.send(ctx)
	}()

	r.bus.setMirror(r.enqueue)
	return nil
}

func (r *RedisBridge) enqueue(ev Event) {
	select {
	case r.outbox <- ev:
	default:
		r.logger.Warn("bridge outbox full, event dropped", map[string]any{"kind": uint16(ev.Kind)})
	}
}

func (r *RedisBridge) send(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.outbox:
			body, err := msgpack.Marshal(wireEvent{Node: r.config.NodeID, Event: ev})
			if err != nil {
				r.logger.Error("bridge encode failed", map[string]any{"error": err.Error()})
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
			err = r.client.Publish(pctx, r.config.Channel, body).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("bridge publish failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (r *RedisBridge) receive(ctx context.Context, msgs <-chan *goredis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var w wireEvent
			if err := msgpack.Unmarshal([]byte(msg.Payload), &w); err != nil {
				r.logger.Warn("bridge decode failed", map[string]any{"error": err.Error()})
				continue
			}
			if w.Node == r.config.NodeID {
				continue
			}
			r.bus.Deliver(w.Event)
		}
	}
}

// Close removes the mirror, stops the bridge goroutines and closes the
// client.
func (r *RedisBridge) Close() error {
	r.bus.setMirror(nil)
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return r.client.Close()
}
