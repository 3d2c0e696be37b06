package blackjack

import (
	"fmt"
	"strings"

	"github.com/coopco/casinobot/internal/wager"
)

func renderTable(g *Game, reveal bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Bet: %d\n", g.Bet)
	fmt.Fprintf(&b, "Your hand: %s (%d)\n", g.Player, g.Player.Value())
	if reveal || len(g.Dealer) == 0 {
		fmt.Fprintf(&b, "Dealer: %s (%d)", g.Dealer, g.Dealer.Value())
	} else {
		fmt.Fprintf(&b, "Dealer: %s ??", g.Dealer[0])
	}
	return b.String()
}

func renderResult(r Result) string {
	var headline string
	switch {
	case r.Player.Bust():
		headline = "Bust! You lose."
	case r.Outcome == wager.Win:
		headline = "You win!"
	case r.Outcome == wager.Push:
		headline = "Push."
	default:
		headline = "Dealer wins."
	}
	if r.TimedOut {
		headline = "Out of time, standing. " + headline
	}
	return fmt.Sprintf("Bet: %d\nYour hand: %s (%d)\nDealer: %s (%d)\n%s Payout %d, balance %d.",
		r.Bet, r.Player, r.Player.Value(), r.Dealer, r.Dealer.Value(), headline, r.Payout, r.Balance)
}
