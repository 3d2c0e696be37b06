package wager

import (
	"context"
	"fmt"

	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/storage"
)

// Resolver turns an outcome into a final payout.
type Resolver struct {
	store   storage.Store
	catalog *effects.Catalog
}

func NewResolver(store storage.Store, catalog *effects.Catalog) *Resolver {
	return &Resolver{store: store, catalog: catalog}
}

// Resolve computes the payout for owner in its own transaction.
func (r *Resolver) Resolve(ctx context.Context, owner string, bet, base int64, outcome Outcome) (int64, error) {
	var payout int64
	err := r.store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockWallet(ctx, owner); err != nil {
			return err
		}
		var err error
		payout, err = r.ResolveTx(ctx, tx, owner, bet, base, outcome)
		return err
	})
	if err != nil {
		return 0, err
	}
	return payout, nil
}

// ResolveTx applies every active effect of owner and consumes all of them.
// The payout is never below base. The caller should hold owner's wallet lock.
func (r *Resolver) ResolveTx(ctx context.Context, tx storage.Tx, owner string, bet, base int64, outcome Outcome) (int64, error) {
	active, err := tx.ListActive(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("list effects: %w", err)
	}

	var acc int64
	if outcome == Loss {
		for _, e := range active {
			if k, ok := r.catalog.Get(e.Kind); ok && k.Role == effects.RoleRefundOnLoss {
				acc = bet
				break
			}
		}
	}
	if outcome == Win {
		for _, e := range active {
			if k, ok := r.catalog.Get(e.Kind); ok && k.Role == effects.RolePayout {
				acc += k.Transform(bet, base)
			}
		}
	}

	for _, e := range active {
		if err := tx.Consume(ctx, e.ID); err != nil {
			return 0, fmt.Errorf("consume effect %s: %w", e.Kind, err)
		}
	}
	return max(acc, base), nil
}
