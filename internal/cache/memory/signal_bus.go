// Package memory implements the domain cache interfaces in process memory
// for standalone mode and tests.
package memory

import (
	"context"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

const subscriberBuffer = 128

type subscriber struct {
	pattern string
	ch      chan domain.Message
	done    <-chan struct{}
}

// SignalBus implements domain.SignalBus with in-process fan-out. Channel
// names containing glob characters are treated as patterns.
type SignalBus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	streams map[string][]domain.StreamMessage
}

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[*subscriber]struct{}),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !matches(s.pattern, channel) {
			continue
		}
		msg := domain.Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscription that lives until ctx is cancelled, at
// which point the returned channel is closed.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan domain.Message, error) {
	s := &subscriber{
		pattern: channel,
		ch:      make(chan domain.Message, subscriberBuffer),
		done:    ctx.Done(),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

func matches(pattern, channel string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == channel
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strconv.Itoa(len(b.streams[stream])+1) + "-0"
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{
		ID:      id,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// StreamRead returns up to count messages after lastID. "0", "0-0" and ""
// read from the beginning; "$" returns nothing.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "$" {
		return nil, nil
	}
	after := 0
	if lastID != "" {
		seq, _, _ := strings.Cut(lastID, "-")
		n, err := strconv.Atoi(seq)
		if err == nil {
			after = n
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs := b.streams[stream]
	if after >= len(msgs) {
		return nil, nil
	}
	out := msgs[after:]
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return append([]domain.StreamMessage(nil), out...), nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
