package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrRateLimited            = errors.New("rate limited")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrLockHeld               = errors.New("lock already held")
	ErrInvalidBattle          = errors.New("invalid battle")
	ErrInvalidStake           = errors.New("invalid stake")
	ErrAlreadyInBattle        = errors.New("already in battle")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrForbidden              = errors.New("forbidden")
	ErrInsufficientStake      = errors.New("insufficient stake")
	ErrAlreadyResolved        = errors.New("already resolved")
	ErrFalseStart             = errors.New("false start")
	ErrNoOpponentFound        = errors.New("no opponent found")
	ErrErrored                = errors.New("battle errored")
	ErrNotParticipant         = errors.New("not a participant")
)

// ResolvedError is returned to the side of a resolution race that did not
// win. It carries the battle as finalized so callers can show the real
// outcome instead of a generic failure.
type ResolvedError struct {
	Battle Battle
}

func (e *ResolvedError) Error() string {
	return fmt.Sprintf("battle %s already %s", e.Battle.ID, e.Battle.Status)
}

// Is makes errors.Is(err, ErrAlreadyResolved) match.
func (e *ResolvedError) Is(target error) bool {
	return target == ErrAlreadyResolved
}
