package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
	"github.com/redis/go-redis/v9"
)

// StreamOptions bounds the per-battle replay streams. MaxLen trims each
// stream approximately on every append. TTL is refreshed on every append so
// a finished battle's stream goes away on its own; a negative TTL keeps
// streams forever.
type StreamOptions struct {
	MaxLen int64
	TTL    time.Duration
}

// DefaultStreamOptions keeps the last 1000 events of a battle for a day.
var DefaultStreamOptions = StreamOptions{MaxLen: 1000, TTL: 24 * time.Hour}

// SignalBus implements domain.SignalBus. Battle topics travel over Redis
// Pub/Sub so every server process sees every committed state change; the
// same events are appended to a per-battle stream for reconnect replay.
type SignalBus struct {
	rdb     *redis.Client
	streams StreamOptions
}

// NewSignalBus creates a SignalBus backed by the given Client. Zero fields
// of opts fall back to DefaultStreamOptions.
func NewSignalBus(c *Client, opts StreamOptions) *SignalBus {
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultStreamOptions.MaxLen
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultStreamOptions.TTL
	}
	return &SignalBus{rdb: c.Underlying(), streams: opts}
}

// Publish sends a raw payload to a Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription, PSUBSCRIBE when channel is a
// glob, and relays deliveries until ctx is cancelled. The returned channel
// is closed once the subscription is torn down.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan domain.Message, error) {
	subscribe := sb.rdb.Subscribe
	if isGlob(channel) {
		subscribe = sb.rdb.PSubscribe
	}
	pubsub := subscribe(ctx, channel)

	// The first reply is the subscription ack; failing here means the
	// connection never reached Redis.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan domain.Message, 128)
	go sb.relay(ctx, pubsub, out)
	return out, nil
}

func (sb *SignalBus) relay(ctx context.Context, pubsub *redis.PubSub, out chan<- domain.Message) {
	defer close(out)
	defer pubsub.Close()

	in := pubsub.Channel()
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg = m
		}
		select {
		case out <- domain.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-ctx.Done():
			return
		}
	}
}

// isGlob reports whether channel uses Redis glob syntax and so needs
// PSUBSCRIBE. A metacharacter escaped with a backslash matches literally.
func isGlob(channel string) bool {
	for i := 0; i < len(channel); i++ {
		switch channel[i] {
		case '\\':
			i++
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// appendArgs builds the XADD for one battle event.
func (sb *SignalBus) appendArgs(stream string, payload []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: sb.streams.MaxLen,
		Approx: true,
		ID:     "*",
		Values: []any{"payload", payload},
	}
}

// StreamAppend adds payload to the battle stream and refreshes the stream's
// expiry in the same MULTI, so a stream is never left without a TTL.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	_, err := sb.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, sb.appendArgs(stream, payload))
		if sb.streams.TTL > 0 {
			pipe.Expire(ctx, stream, sb.streams.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count events appended after lastID, oldest
// first. An empty lastID, "0" or "0-0" reads from the start of the stream;
// count <= 0 reads everything. XRANGE with an exclusive start needs Redis 6.2.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	start := "-"
	switch lastID {
	case "", "0", "0-0":
	default:
		start = "(" + lastID
	}

	var cmd *redis.XMessageSliceCmd
	if count > 0 {
		cmd = sb.rdb.XRangeN(ctx, stream, start, "+", int64(count))
	} else {
		cmd = sb.rdb.XRange(ctx, stream, start, "+")
	}
	entries, err := cmd.Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis: xrange %s: %w", stream, err)
	}

	out := make([]domain.StreamMessage, 0, len(entries))
	for _, e := range entries {
		if payload, ok := e.Values["payload"].(string); ok {
			out = append(out, domain.StreamMessage{ID: e.ID, Payload: []byte(payload)})
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
