package domain

import "time"

// HoldState tracks a single stake reservation.
type HoldState string

const (
	HoldStateHeld        HoldState = "held"
	HoldStateReleased    HoldState = "released"
	HoldStateTransferred HoldState = "transferred"
)

// LedgerOp names an escrow operation. Together with the battle and
// participant it forms the idempotency key.
type LedgerOp string

const (
	LedgerOpHold     LedgerOp = "hold"
	LedgerOpRelease  LedgerOp = "release"
	LedgerOpTransfer LedgerOp = "transfer"
)

// StakeHold is one participant's wager reservation for one battle.
type StakeHold struct {
	BattleID      string    `json:"battle_id"`
	ParticipantID string    `json:"participant_id"`
	StakeType     string    `json:"stake_type"`
	Amount        int64     `json:"amount"`
	State         HoldState `json:"state"`
	RecipientID   string    `json:"recipient_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Balance is an agent's spendable balance in one stake type.
type Balance struct {
	AgentID   string `json:"agent_id"`
	StakeType string `json:"stake_type"`
	Amount    int64  `json:"amount"`
}

// HeldTotal sums the amounts still in the held state.
func HeldTotal(holds []StakeHold) int64 {
	var total int64
	for _, h := range holds {
		if h.State == HoldStateHeld {
			total += h.Amount
		}
	}
	return total
}
