package blackjack

import (
	"github.com/coopco/casinobot/internal/wager"
)

// Session is one player's open hand.
type Session struct {
	ID      string
	Owner   string
	Channel string
	ChatID  string

	// owned by the session goroutine
	game     *Game
	balance  int64
	replyTo  string
	timedOut bool

	actions chan actionRequest
	done    chan struct{}
	result  Result
}

type actionRequest struct {
	action  Action
	replyTo string
	reply   chan error
}

// Result is the settled state of a hand. Err wraps wager.ErrResolutionPending
// when the payout could not be persisted.
type Result struct {
	SessionID string
	Outcome   wager.Outcome
	Bet       int64
	Payout    int64
	Balance   int64
	Player    Hand
	Dealer    Hand
	TimedOut  bool
	Err       error
}

// Done is closed once the hand is settled or settlement has given up.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result is valid after Done is closed.
func (s *Session) Result() Result {
	<-s.done
	return s.result
}
