// Package blackjack runs interactive blackjack hands on top of the wager
// engine: escrow at admission, one action at a time, exactly one settlement.
package blackjack

import (
	"fmt"

	"github.com/coopco/casinobot/internal/wager"
)

// State is the phase of a hand.
type State int

const (
	StateDealing State = iota
	StatePlayerTurn
	StateDealerTurn
	StateResolved
)

func (s State) String() string {
	return [...]string{"dealing", "player_turn", "dealer_turn", "resolved"}[s]
}

// Status is the coarse view of a hand shown to callers.
type Status int

const (
	Playing Status = iota
	PlayerBust
	Resolved
)

func (s Status) String() string {
	return [...]string{"playing", "player_bust", "resolved"}[s]
}

// Action is a player decision.
type Action string

const (
	Hit    Action = "hit"
	Stand  Action = "stand"
	Double Action = "double"
)

// ParseAction maps user input to an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case Hit, Stand, Double:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", wager.ErrInvalidAction, s)
}

// DealerStandsOn is the value at which the dealer stops drawing.
const DealerStandsOn = 17

// Game is a single hand. It holds no money; the session escrows and settles.
type Game struct {
	Bet    int64
	Player Hand
	Dealer Hand

	shoe    *Shoe
	state   State
	actions int
}

// NewGame prepares a hand for bet drawn from shoe.
func NewGame(shoe *Shoe, bet int64) *Game {
	return &Game{Bet: bet, shoe: shoe, state: StateDealing}
}

func (g *Game) State() State { return g.state }

func (g *Game) Status() Status {
	switch {
	case g.state != StateResolved:
		return Playing
	case g.Player.Bust():
		return PlayerBust
	default:
		return Resolved
	}
}

// Deal gives the player two cards, then the dealer two.
func (g *Game) Deal() {
	if g.state != StateDealing {
		return
	}
	g.Player = Hand{g.shoe.Draw(), g.shoe.Draw()}
	g.Dealer = Hand{g.shoe.Draw(), g.shoe.Draw()}
	g.state = StatePlayerTurn
}

// CanDouble reports whether Double is still legal, ignoring affordability.
func (g *Game) CanDouble() bool {
	return g.state == StatePlayerTurn && g.actions == 0
}

// Available lists the legal actions. Double needs balance to cover the bet again.
func (g *Game) Available(balance int64) []Action {
	if g.state != StatePlayerTurn {
		return nil
	}
	out := []Action{Hit, Stand}
	if g.CanDouble() && balance >= g.Bet {
		out = append(out, Double)
	}
	return out
}

// Apply performs a player action. The caller escrows the extra stake before
// applying Double.
func (g *Game) Apply(a Action) error {
	if g.state != StatePlayerTurn {
		return fmt.Errorf("%w: hand is %s", wager.ErrInvalidAction, g.state)
	}
	switch a {
	case Hit:
		g.Player = append(g.Player, g.shoe.Draw())
		g.actions++
		if g.Player.Bust() {
			g.state = StateResolved
		}
	case Stand:
		g.actions++
		g.state = StateDealerTurn
	case Double:
		if !g.CanDouble() {
			return fmt.Errorf("%w: double is only allowed as the first action", wager.ErrInvalidAction)
		}
		g.Bet *= 2
		g.Player = append(g.Player, g.shoe.Draw())
		g.actions++
		if g.Player.Bust() {
			g.state = StateResolved
		} else {
			g.state = StateDealerTurn
		}
	default:
		return fmt.Errorf("%w: unknown action %q", wager.ErrInvalidAction, a)
	}
	return nil
}

// PlayDealer draws for the dealer until it reaches DealerStandsOn.
func (g *Game) PlayDealer() {
	if g.state != StateDealerTurn {
		return
	}
	for g.Dealer.Value() < DealerStandsOn {
		g.Dealer = append(g.Dealer, g.shoe.Draw())
	}
	g.state = StateResolved
}

// Outcome compares the finished hands. It is only meaningful once resolved.
func (g *Game) Outcome() wager.Outcome {
	p, d := g.Player.Value(), g.Dealer.Value()
	switch {
	case p > 21:
		return wager.Loss
	case d > 21 || p > d:
		return wager.Win
	case p == d:
		return wager.Push
	default:
		return wager.Loss
	}
}
