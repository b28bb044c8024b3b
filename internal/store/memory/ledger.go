package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

// Ledger implements domain.Ledger. Agents that have never been seen start
// with startingBalance in every stake type.
type Ledger struct {
	mu              sync.Mutex
	startingBalance int64
	balances        map[string]int64
	holds           map[string]domain.StakeHold
	applied         map[string]bool
}

// NewLedger creates a Ledger that seeds unknown agents with startingBalance.
func NewLedger(startingBalance int64) *Ledger {
	return &Ledger{
		startingBalance: startingBalance,
		balances:        make(map[string]int64),
		holds:           make(map[string]domain.StakeHold),
		applied:         make(map[string]bool),
	}
}

func balanceKey(agentID, stakeType string) string {
	return agentID + "::" + stakeType
}

func holdKey(battleID, participantID string) string {
	return battleID + "::" + participantID
}

func opKey(battleID, participantID string, op domain.LedgerOp) string {
	return battleID + "::" + participantID + "::" + string(op)
}

// balance must be called with mu held.
func (l *Ledger) balance(agentID, stakeType string) int64 {
	k := balanceKey(agentID, stakeType)
	if v, ok := l.balances[k]; ok {
		return v
	}
	l.balances[k] = l.startingBalance
	return l.startingBalance
}

func (l *Ledger) Hold(_ context.Context, battleID, participantID, stakeType string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := opKey(battleID, participantID, domain.LedgerOpHold)
	if l.applied[key] {
		return nil
	}
	if amount <= 0 {
		return domain.ErrInvalidStake
	}
	bal := l.balance(participantID, stakeType)
	if bal < amount {
		return fmt.Errorf("memory: hold %s for %s: %w", battleID, participantID, domain.ErrInsufficientStake)
	}
	l.balances[balanceKey(participantID, stakeType)] = bal - amount
	l.holds[holdKey(battleID, participantID)] = domain.StakeHold{
		BattleID:      battleID,
		ParticipantID: participantID,
		StakeType:     stakeType,
		Amount:        amount,
		State:         domain.HoldStateHeld,
		UpdatedAt:     time.Now().UTC(),
	}
	l.applied[key] = true
	return nil
}

func (l *Ledger) Release(_ context.Context, battleID, participantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := opKey(battleID, participantID, domain.LedgerOpRelease)
	if l.applied[key] {
		return nil
	}
	hk := holdKey(battleID, participantID)
	h, ok := l.holds[hk]
	if ok && h.State == domain.HoldStateHeld {
		l.balances[balanceKey(participantID, h.StakeType)] = l.balance(participantID, h.StakeType) + h.Amount
		h.State = domain.HoldStateReleased
		h.UpdatedAt = time.Now().UTC()
		l.holds[hk] = h
		l.applied[key] = true
	}
	return nil
}

func (l *Ledger) Transfer(_ context.Context, battleID, fromID, toID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := opKey(battleID, fromID, domain.LedgerOpTransfer)
	if l.applied[key] {
		return nil
	}
	hk := holdKey(battleID, fromID)
	h, ok := l.holds[hk]
	if !ok || h.State != domain.HoldStateHeld {
		return fmt.Errorf("memory: transfer %s from %s: %w", battleID, fromID, domain.ErrNotFound)
	}
	if h.Amount != amount {
		return fmt.Errorf("memory: transfer %s from %s: amount %d does not match hold %d", battleID, fromID, amount, h.Amount)
	}
	l.balances[balanceKey(toID, h.StakeType)] = l.balance(toID, h.StakeType) + amount
	h.State = domain.HoldStateTransferred
	h.RecipientID = toID
	h.UpdatedAt = time.Now().UTC()
	l.holds[hk] = h
	l.applied[key] = true
	return nil
}

func (l *Ledger) Holds(_ context.Context, battleID string) ([]domain.StakeHold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.StakeHold
	for _, h := range l.holds {
		if h.BattleID == battleID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (l *Ledger) HeldBattles(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, h := range l.holds {
		if h.State == domain.HoldStateHeld && !seen[h.BattleID] {
			seen[h.BattleID] = true
			out = append(out, h.BattleID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *Ledger) Balance(_ context.Context, agentID, stakeType string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(agentID, stakeType), nil
}

func (l *Ledger) Deposit(_ context.Context, agentID, stakeType string, amount int64) error {
	if amount <= 0 {
		return domain.ErrInvalidStake
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey(agentID, stakeType)] = l.balance(agentID, stakeType) + amount
	return nil
}

var _ domain.Ledger = (*Ledger)(nil)
