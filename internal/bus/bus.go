// Package bus implements the optional cross-instance fan-out over Redis.
//
// Each instance records its locally hosted peer codes in a shared directory
// hash ({prefix}peers) and publishes signals destined for non-local peers on
// a shared channel ({prefix}signals). Receiving instances deliver to local
// peers without further gating — pairing was enforced on the originating
// instance. Delivery is at-most-once, best-effort.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ErrUnknownPeer is returned by Publish when the destination code is in no
// instance's directory. A destination miss is not a failure; the signal is
// simply dropped.
var ErrUnknownPeer = errors.New("bus: peer not found in directory")

// Message is the wire form of a cross-instance signal. Kind carries the
// payload discriminator so the receiving instance can mirror the pairing
// transition without re-parsing the payload.
type Message struct {
	To      string          `json:"to"`
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin"`
}

// DeliverFunc hands a remote signal to the local relay. It reports whether a
// local peer accepted it; the bus ignores the result beyond logging.
type DeliverFunc func(to, from, kind string, payload json.RawMessage) bool

// Options configures a Bus.
type Options struct {
	// URL is the Redis connection URL (redis:// or rediss://).
	URL string

	// Prefix namespaces the directory hash and the signal channel.
	Prefix string

	// NodeID identifies this instance in the directory.
	NodeID string

	// Deliver receives remote signals addressed to this instance's peers.
	Deliver DeliverFunc

	// Logger is the structured logger; slog.Default() when nil.
	Logger *slog.Logger

	// OnError is invoked for counted failures (decode, reconnect). May be
	// nil.
	OnError func()
}

// Bus is one instance's connection to the shared directory and channel.
type Bus struct {
	rdb     *redis.Client
	prefix  string
	nodeID  string
	deliver DeliverFunc
	log     *slog.Logger
	onError func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to Redis and verifies the connection. Call Start to begin
// receiving remote signals.
func New(opts Options) (*Bus, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	onError := opts.OnError
	if onError == nil {
		onError = func() {}
	}

	return &Bus{
		rdb:     rdb,
		prefix:  opts.Prefix,
		nodeID:  opts.NodeID,
		deliver: opts.Deliver,
		log:     log.With("component", "bus", "node", opts.NodeID),
		onError: onError,
	}, nil
}

func (b *Bus) directory() string { return b.prefix + "peers" }
func (b *Bus) channel() string   { return b.prefix + "signals" }

// Start launches the subscriber loop. It reconnects with capped exponential
// backoff until Close is called.
func (b *Bus) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(1)
	go b.subscribeLoop(ctx)
}

func (b *Bus) subscribeLoop(ctx context.Context) {
	defer b.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		sub := b.rdb.Subscribe(ctx, b.channel())

		// Block until the subscription is confirmed so a broken
		// connection is retried instead of silently dropping signals.
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			b.onError()
			wait := bo.NextBackOff()
			b.log.Warn("bus subscribe failed, retrying",
				"event", "bus_subscribe_failed", "retry_in", wait.String(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		b.log.Info("bus subscribed", "event", "bus_subscribed", "channel", b.channel())

		// go-redis closes the message channel only when the subscription
		// is closed, so the subscription must be tied to ctx or the range
		// below outlives Close.
		stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
		for msg := range sub.Channel() {
			b.handle([]byte(msg.Payload))
		}
		stop()
		_ = sub.Close()
	}
}

// handle decodes one channel message and delivers it locally. Signals this
// instance published itself are skipped; the channel is a broadcast and every
// subscriber sees every publish.
func (b *Bus) handle(data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		b.onError()
		b.log.Warn("dropping malformed bus message", "event", "bus_malformed", "error", err)
		return
	}
	if m.Origin == b.nodeID {
		return
	}
	if b.deliver == nil {
		return
	}
	if !b.deliver(m.To, m.From, m.Kind, m.Payload) {
		b.log.Debug("bus signal had no local recipient",
			"event", "bus_no_recipient", "peer", m.To)
	}
}

// Register records code as hosted on this instance.
func (b *Bus) Register(ctx context.Context, code string) error {
	if err := b.rdb.HSet(ctx, b.directory(), code, b.nodeID).Err(); err != nil {
		return fmt.Errorf("registering peer in directory: %w", err)
	}
	return nil
}

// Deregister removes code from the directory. Idempotent.
func (b *Bus) Deregister(ctx context.Context, code string) error {
	if err := b.rdb.HDel(ctx, b.directory(), code).Err(); err != nil {
		return fmt.Errorf("removing peer from directory: %w", err)
	}
	return nil
}

// Publish sends a signal toward a peer hosted on another instance. The
// directory is consulted first: a missing entry yields ErrUnknownPeer, and an
// entry pointing at this instance is treated the same way — the local lookup
// already missed, so the entry is stale.
func (b *Bus) Publish(ctx context.Context, to, from, kind string, payload json.RawMessage) error {
	inst, err := b.rdb.HGet(ctx, b.directory(), to).Result()
	if errors.Is(err, redis.Nil) {
		return ErrUnknownPeer
	}
	if err != nil {
		return fmt.Errorf("directory lookup: %w", err)
	}
	if inst == b.nodeID {
		return ErrUnknownPeer
	}

	data, err := json.Marshal(Message{
		To:      to,
		From:    from,
		Type:    "signal",
		Kind:    kind,
		Payload: payload,
		Origin:  b.nodeID,
	})
	if err != nil {
		return fmt.Errorf("encoding bus message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(), data).Err(); err != nil {
		return fmt.Errorf("publishing signal: %w", err)
	}
	return nil
}

// Close stops the subscriber loop and closes the Redis connection.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	return b.rdb.Close()
}
