package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memcache "github.com/alanyoungcy/duelengine/internal/cache/memory"
	"github.com/alanyoungcy/duelengine/internal/domain"
	"github.com/alanyoungcy/duelengine/internal/store/memory"
)

var testStart = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock. Scheduler delays are still real time, so
// tests that need a timer to fire move the clock past the due instant.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: testStart} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.titles = append(n.titles, title)
	return nil
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// failingTransferLedger refuses every payout.
type failingTransferLedger struct {
	domain.Ledger
}

func (l failingTransferLedger) Transfer(context.Context, string, string, string, int64) error {
	return errors.New("ledger unavailable")
}

// poorLedger reports insufficient funds for one agent's holds.
type poorLedger struct {
	domain.Ledger
	poor string
}

func (l poorLedger) Hold(ctx context.Context, battleID, participantID, stakeType string, amount int64) error {
	if participantID == l.poor {
		return domain.ErrInsufficientStake
	}
	return l.Ledger.Hold(ctx, battleID, participantID, stakeType, amount)
}

// gatedBattles holds HasActive callers once armed until a second caller
// arrives or the gate times out, so two check-then-write sequences overlap
// whenever nothing else serializes them.
type gatedBattles struct {
	domain.BattleStore

	mu      sync.Mutex
	armed   bool
	waiting int
	release chan struct{}
}

func (g *gatedBattles) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.waiting = 0
	g.release = make(chan struct{})
}

func (g *gatedBattles) HasActive(ctx context.Context, agentID string) (bool, error) {
	g.mu.Lock()
	if !g.armed {
		g.mu.Unlock()
		return g.BattleStore.HasActive(ctx, agentID)
	}
	g.waiting++
	release := g.release
	if g.waiting == 2 {
		close(release)
		g.armed = false
	}
	g.mu.Unlock()

	select {
	case <-release:
	case <-time.After(200 * time.Millisecond):
	}
	return g.BattleStore.HasActive(ctx, agentID)
}

type harnessOpts struct {
	battles      func(base *memory.BattleStore) domain.BattleStore
	ledger       func(base *memory.Ledger) domain.Ledger
	timing       TimingConfig
	settleWindow time.Duration
}

type harnessOpt func(*harnessOpts)

func withLedger(wrap func(base *memory.Ledger) domain.Ledger) harnessOpt {
	return func(o *harnessOpts) { o.ledger = wrap }
}

func withBattles(wrap func(base *memory.BattleStore) domain.BattleStore) harnessOpt {
	return func(o *harnessOpts) { o.battles = wrap }
}

func withTiming(fn func(*TimingConfig)) harnessOpt {
	return func(o *harnessOpts) { fn(&o.timing) }
}

type harness struct {
	clock      *fakeClock
	battles    *memory.BattleStore
	reactions  *memory.ReactionStore
	baseLedger *memory.Ledger
	auditLog   *memory.AuditStore
	locks      *memcache.LockManager
	bus        *memcache.SignalBus
	notifier   *recordingNotifier

	sched      *Scheduler
	audit      *AuditService
	bc         *Broadcaster
	escrow     *EscrowService
	settle     *Settlement
	timing     *TimingService
	resolution *ResolutionService
	svc        *BattleService
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	o := harnessOpts{
		timing:       DefaultTimingConfig(),
		settleWindow: 100 * time.Millisecond,
	}
	o.timing.PendingTTL = 0
	for _, opt := range opts {
		opt(&o)
	}

	h := &harness{
		clock:      newFakeClock(),
		battles:    memory.NewBattleStore(),
		reactions:  memory.NewReactionStore(),
		baseLedger: memory.NewLedger(100),
		auditLog:   memory.NewAuditStore(),
		locks:      memcache.NewLockManager(),
		bus:        memcache.NewSignalBus(),
		notifier:   &recordingNotifier{},
	}
	var ledger domain.Ledger = h.baseLedger
	if o.ledger != nil {
		ledger = o.ledger(h.baseLedger)
	}
	var battles domain.BattleStore = h.battles
	if o.battles != nil {
		battles = o.battles(h.battles)
	}

	logger := discardLogger()
	now := h.clock.Now
	h.sched = NewScheduler(now, logger)
	h.audit = NewAuditService(h.auditLog, now, logger)
	h.bc = NewBroadcaster(h.bus, now, logger)
	h.escrow = NewEscrowService(ledger, h.audit, RetryPolicy{
		MaxTries:        2,
		InitialInterval: time.Millisecond,
		MaxElapsed:      time.Second,
	}, logger)
	h.settle = NewSettlement(battles, h.escrow, h.sched, h.bc, h.audit, now, logger).
		WithNotifier(h.notifier)
	h.timing = NewTimingService(battles, h.sched, h.locks, h.bc, h.audit, h.settle, o.timing, now, logger)
	h.resolution = NewResolutionService(battles, h.reactions, h.timing, h.settle, h.bc, h.audit, o.settleWindow, now, logger)
	h.timing.WithExpirer(h.resolution)
	h.svc = NewBattleService(battles, h.reactions, h.auditLog, h.escrow, h.timing, h.settle, h.locks, h.bc, h.audit, now, logger)

	t.Cleanup(func() {
		h.sched.Stop()
		h.settle.Wait()
	})
	return h
}

// startBattle creates and accepts a 10-credit battle between alice and bob.
func (h *harness) startBattle(t *testing.T) domain.Battle {
	t.Helper()
	ctx := context.Background()
	b, err := h.svc.Create(ctx, "alice", "credits", 10)
	require.NoError(t, err)
	b, err = h.svc.Accept(ctx, b.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, domain.BattleStatusCountdown, b.Status)
	require.NotNil(t, b.FlashAt)
	return b
}

func (h *harness) balance(t *testing.T, agentID string) int64 {
	t.Helper()
	bal, err := h.baseLedger.Balance(context.Background(), agentID, "credits")
	require.NoError(t, err)
	return bal
}

func (h *harness) auditEvents(t *testing.T, battleID, event string) []domain.AuditEntry {
	t.Helper()
	entries, err := h.auditLog.ListByBattle(context.Background(), battleID, domain.ListOpts{})
	require.NoError(t, err)
	var out []domain.AuditEntry
	for _, e := range entries {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type submission struct {
	res domain.ReactionResult
	err error
}

// submitTogether submits both reactions at once so they land inside the
// same settle window.
func (h *harness) submitTogether(b domain.Battle, creatorAt, opponentAt time.Time) (creator, opponent submission) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		creator.res, creator.err = h.resolution.SubmitReaction(context.Background(), b.ID, b.CreatorID, creatorAt, nil)
	}()
	go func() {
		defer wg.Done()
		opponent.res, opponent.err = h.resolution.SubmitReaction(context.Background(), b.ID, b.OpponentID, opponentAt, nil)
	}()
	wg.Wait()
	return creator, opponent
}
