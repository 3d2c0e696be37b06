package blackjack

import (
	"math/rand/v2"
	"strconv"
	"strings"
)

type Suit uint8

const (
	Clubs Suit = iota
	Diamonds
	Hearts
	Spades
)

func (s Suit) String() string {
	return [...]string{"♣", "♦", "♥", "♠"}[s]
}

// Rank runs from Ace (1) to King (13).
type Rank uint8

const (
	Ace Rank = 1 + iota
	Two
	Three
	Four
	Five
	Six
	Seven
	Eight
	Nine
	Ten
	Jack
	Queen
	King
)

func (r Rank) String() string {
	switch r {
	case Ace:
		return "A"
	case Jack:
		return "J"
	case Queen:
		return "Q"
	case King:
		return "K"
	default:
		return strconv.Itoa(int(r))
	}
}

type Card struct {
	Rank Rank
	Suit Suit
}

func (c Card) String() string { return c.Rank.String() + c.Suit.String() }

// points counts faces as ten and aces as eleven.
func (c Card) points() int {
	switch {
	case c.Rank == Ace:
		return 11
	case c.Rank >= Ten:
		return 10
	default:
		return int(c.Rank)
	}
}

// Hand is an ordered set of cards.
type Hand []Card

// Value sums the hand counting aces as eleven, then downgrades aces to one,
// one at a time, while the total is over 21.
func (h Hand) Value() int {
	total, _ := h.value()
	return total
}

// Soft reports whether an ace is still counted as eleven in Value.
func (h Hand) Soft() bool {
	_, soft := h.value()
	return soft > 0
}

func (h Hand) value() (total, soft int) {
	for _, c := range h {
		total += c.points()
		if c.Rank == Ace {
			soft++
		}
	}
	for total > 21 && soft > 0 {
		total -= 10
		soft--
	}
	return total, soft
}

// Bust reports whether the hand is over 21.
func (h Hand) Bust() bool { return h.Value() > 21 }

func (h Hand) String() string {
	parts := make([]string, len(h))
	for i, c := range h {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

// NewDeck returns the 52 cards of a standard deck in order.
func NewDeck() []Card {
	deck := make([]Card, 0, 52)
	for s := Clubs; s <= Spades; s++ {
		for r := Ace; r <= King; r++ {
			deck = append(deck, Card{Rank: r, Suit: s})
		}
	}
	return deck
}

// Shoe deals from one or more shuffled decks. An exhausted shoe is refilled
// with a freshly shuffled deck so a hand can always be completed.
type Shoe struct {
	cards []Card
	rng   *rand.Rand
}

// NewShoe concatenates decks standard decks and shuffles them with rng.
// A nil rng uses a randomly seeded source.
func NewShoe(decks int, rng *rand.Rand) *Shoe {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	cards := make([]Card, 0, 52*max(decks, 1))
	for i := 0; i < max(decks, 1); i++ {
		cards = append(cards, NewDeck()...)
	}
	s := &Shoe{cards: cards, rng: rng}
	s.shuffle()
	return s
}

// StackedShoe deals cards in exactly the given order, then refills at random.
func StackedShoe(cards ...Card) *Shoe {
	return &Shoe{
		cards: append([]Card(nil), cards...),
		rng:   rand.New(rand.NewPCG(1, 2)),
	}
}

func (s *Shoe) shuffle() {
	s.rng.Shuffle(len(s.cards), func(i, j int) { s.cards[i], s.cards[j] = s.cards[j], s.cards[i] })
}

// Remaining is the number of undealt cards.
func (s *Shoe) Remaining() int { return len(s.cards) }

// Draw removes and returns the top card.
func (s *Shoe) Draw() Card {
	if len(s.cards) == 0 {
		s.cards = NewDeck()
		s.shuffle()
	}
	c := s.cards[0]
	s.cards = s.cards[1:]
	return c
}
