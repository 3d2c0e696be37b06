package wager

import (
	"errors"
	"fmt"
)

var (
	// ErrBelowMinimumBet rejects bets under the table minimum.
	ErrBelowMinimumBet = errors.New("bet is below the minimum")
	// ErrInvalidAction rejects a game action that is not allowed right now.
	ErrInvalidAction = errors.New("action not allowed")
	// ErrResolutionPending means a finished hand could not be settled; the
	// escrowed stake stays debited until an operator settles it.
	ErrResolutionPending = errors.New("resolution pending")
)

// AboveMaximumBetError rejects a bet over the holder's tier cap.
type AboveMaximumBetError struct {
	Cap int64
}

func (e *AboveMaximumBetError) Error() string {
	return fmt.Sprintf("bet exceeds the maximum of %d", e.Cap)
}

// InsufficientFundsError rejects a bet the holder cannot cover.
type InsufficientFundsError struct {
	Shortfall int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %d short", e.Shortfall)
}
