// Package storage defines the transactional persistence contract shared by
// the wager engine, blackjack sessions and scheduled jobs.
package storage

import (
	"context"
	"errors"

	"github.com/coopco/casinobot/internal/effects"
)

// ErrInsufficientBalance is returned by ApplyDelta when a debit would leave
// the wallet negative. The transaction is left usable.
var ErrInsufficientBalance = errors.New("storage: insufficient balance")

// Wallet is a user's economy row. It is created on first touch with zeroes.
type Wallet struct {
	UserID  string `db:"user_id"`
	Balance int64  `db:"balance"`
	Tier    int64  `db:"tier"`
	Stamina int64  `db:"stamina"`
}

// LotteryEntry is one user's ticket count for the current draw.
type LotteryEntry struct {
	UserID   string `db:"user_id"`
	Quantity int64  `db:"quantity"`
}

// Ledger holds balances.
type Ledger interface {
	Balance(ctx context.Context, owner string) (int64, error)
	// ApplyDelta adds delta to the balance and returns the new balance.
	ApplyDelta(ctx context.Context, owner string, delta int64) (int64, error)
}

// Progression exposes the user's prestige tier.
type Progression interface {
	TierOf(ctx context.Context, owner string) (int64, error)
	SetTier(ctx context.Context, owner string, tier int64) error
}

// Tx is one atomic unit of work. Nothing done through a Tx is visible to
// others until the enclosing WithinTx returns nil.
type Tx interface {
	effects.Repo
	Ledger
	Progression

	// LockWallet creates the wallet if needed and holds it exclusively for
	// the rest of the transaction, serializing concurrent commands per user.
	LockWallet(ctx context.Context, owner string) (Wallet, error)

	// RegenerateStamina adds one point to every wallet below ceiling and returns
	// the number of wallets touched.
	RegenerateStamina(ctx context.Context, ceiling int64) (int64, error)

	AddTickets(ctx context.Context, owner string, n int64) (int64, error)
	LotteryEntries(ctx context.Context) ([]LotteryEntry, error)
	ClearTickets(ctx context.Context) error

	// SweepExpiredEffects deletes every lapsed timed effect.
	SweepExpiredEffects(ctx context.Context) (int64, error)
}

// Store opens transactions. If fn returns an error the transaction is rolled
// back and the error is returned unchanged.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
