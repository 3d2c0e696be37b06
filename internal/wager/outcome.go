package wager

// Outcome is the result of a hand from the player's side.
type Outcome int

const (
	Loss Outcome = iota
	Push
	Win
)

func (o Outcome) String() string {
	switch o {
	case Win:
		return "win"
	case Push:
		return "push"
	default:
		return "loss"
	}
}

// BasePayout is what an unmodified hand pays: double the stake on a win,
// the stake back on a push, nothing on a loss.
func BasePayout(o Outcome, bet int64) int64 {
	switch o {
	case Win:
		return 2 * bet
	case Push:
		return bet
	default:
		return 0
	}
}
