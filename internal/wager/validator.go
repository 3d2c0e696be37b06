// Package wager validates stakes against a user's tier and balance and turns
// hand outcomes into payouts, applying the user's purchased effects.
package wager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/storage"
)

// CapFunc maps a progression tier to its maximum bet.
type CapFunc func(tier int64) int64

// LinearCap grows the cap by perTier for every tier above zero.
func LinearCap(base, perTier int64) CapFunc {
	return func(tier int64) int64 { return base + perTier*tier }
}

// Validator admits or rejects bets.
type Validator struct {
	store   storage.Store
	catalog *effects.Catalog
	minBet  int64
	capOf   CapFunc
}

// NewValidator builds a validator. minBet below 1 is raised to 1.
func NewValidator(store storage.Store, catalog *effects.Catalog, minBet int64, capOf CapFunc) *Validator {
	return &Validator{
		store:   store,
		catalog: catalog,
		minBet:  max(minBet, 1),
		capOf:   capOf,
	}
}

// MinBet is the table minimum.
func (v *Validator) MinBet() int64 { return v.minBet }

// Validate checks bet for owner against a balance the caller already read.
// The cap check and any stake override consumption commit in their own
// transaction; the balance comparison happens afterwards.
func (v *Validator) Validate(ctx context.Context, owner string, bet, balance int64) error {
	if bet < v.minBet {
		return ErrBelowMinimumBet
	}
	if err := v.store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockWallet(ctx, owner); err != nil {
			return err
		}
		return v.checkCap(ctx, tx, owner, bet)
	}); err != nil {
		return err
	}
	if bet > balance {
		return &InsufficientFundsError{Shortfall: bet - balance}
	}
	return nil
}

// Escrow validates bet inside tx against the locked wallet and debits it,
// returning the new balance. Any error leaves tx to be rolled back, so a
// rejected bet never burns a stake override.
func (v *Validator) Escrow(ctx context.Context, tx storage.Tx, owner string, bet int64) (int64, error) {
	if bet < v.minBet {
		return 0, ErrBelowMinimumBet
	}
	w, err := tx.LockWallet(ctx, owner)
	if err != nil {
		return 0, err
	}
	if err := v.checkCap(ctx, tx, owner, bet); err != nil {
		return 0, err
	}
	if bet > w.Balance {
		return 0, &InsufficientFundsError{Shortfall: bet - w.Balance}
	}
	return tx.ApplyDelta(ctx, owner, -bet)
}

// checkCap enforces the tier cap. A held stake override is consumed by the
// first bet validated after it was bought and lifts the cap for that bet.
func (v *Validator) checkCap(ctx context.Context, tx storage.Tx, owner string, bet int64) error {
	for _, kind := range v.catalog.WithRole(effects.RoleStakeOverride) {
		e, err := tx.Find(ctx, owner, kind.ID)
		if err != nil {
			return fmt.Errorf("find stake override: %w", err)
		}
		if e == nil {
			continue
		}
		if err := tx.Consume(ctx, e.ID); err != nil {
			return fmt.Errorf("consume stake override: %w", err)
		}
		slog.Info("stake override used", "owner", owner, "kind", kind.ID, "bet", bet)
		return nil
	}

	tier, err := tx.TierOf(ctx, owner)
	if err != nil {
		return fmt.Errorf("read tier: %w", err)
	}
	if limit := v.capOf(tier); bet > limit {
		return &AboveMaximumBetError{Cap: limit}
	}
	return nil
}
