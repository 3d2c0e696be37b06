package blackjack

import "errors"

var (
	ErrSessionActive = errors.New("you already have a game in progress")
	ErrNoSession     = errors.New("that game is over or does not exist")
	ErrNotYourGame   = errors.New("that game belongs to another player")
	ErrSessionBusy   = errors.New("game is busy, try again")
)

// RejectedActionError is returned by Deliver when the session refused an
// action. The player has already been shown the reason with the table.
type RejectedActionError struct {
	Err error
}

func (e *RejectedActionError) Error() string { return e.Err.Error() }
func (e *RejectedActionError) Unwrap() error { return e.Err }
