package wager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/storage"
	"github.com/coopco/casinobot/internal/storage/memory"
)

func setup(t *testing.T) (*memory.Store, *Validator, *Resolver) {
	t.Helper()
	store := memory.New()
	catalog := effects.DefaultCatalog()
	return store,
		NewValidator(store, catalog, 1, LinearCap(1000, 1000)),
		NewResolver(store, catalog)
}

func seed(t *testing.T, s storage.Store, fn func(ctx context.Context, tx storage.Tx) error) {
	t.Helper()
	ctx := context.Background()
	if err := s.WithinTx(ctx, func(tx storage.Tx) error { return fn(ctx, tx) }); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func activeKinds(t *testing.T, s storage.Store, owner string) map[string]bool {
	t.Helper()
	out := map[string]bool{}
	seed(t, s, func(ctx context.Context, tx storage.Tx) error {
		list, err := tx.ListActive(ctx, owner)
		for _, e := range list {
			out[e.Kind] = true
		}
		return err
	})
	return out
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		bet      int64
		balance  int64
		tier     int64
		override bool
		check    func(t *testing.T, err error)
	}{
		{"zero bet", 0, 100, 0, false, wantIs(ErrBelowMinimumBet)},
		{"negative bet", -5, 100, 0, false, wantIs(ErrBelowMinimumBet)},
		{"within cap", 500, 1000, 0, false, wantNil},
		{"at cap", 1000, 5000, 0, false, wantNil},
		{"above cap", 1001, 5000, 0, false, wantCap(1000)},
		{"tier raises cap", 1500, 5000, 1, false, wantNil},
		{"above tier cap", 3500, 5000, 2, false, wantCap(3000)},
		{"override lifts cap", 4000, 5000, 0, true, wantNil},
		{"short on funds", 300, 100, 0, false, wantShortfall(200)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, v, _ := setup(t)
			seed(t, store, func(ctx context.Context, tx storage.Tx) error {
				if err := tx.SetTier(ctx, "u", tc.tier); err != nil {
					return err
				}
				if tc.override {
					_, err := tx.Add(ctx, "u", "all_in", 0)
					return err
				}
				return nil
			})

			tc.check(t, v.Validate(context.Background(), "u", tc.bet, tc.balance))

			if tc.override && activeKinds(t, store, "u")["all_in"] {
				t.Error("override still present after validation")
			}
		})
	}
}

func TestValidateConsumesOverrideOnce(t *testing.T) {
	store, v, _ := setup(t)
	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Add(ctx, "u", "all_in", 0)
		return err
	})
	ctx := context.Background()

	if err := v.Validate(ctx, "u", 9000, 10000); err != nil {
		t.Fatalf("first over-cap bet: %v", err)
	}
	var capErr *AboveMaximumBetError
	if err := v.Validate(ctx, "u", 9000, 10000); !errors.As(err, &capErr) {
		t.Fatalf("second over-cap bet should hit the cap, got %v", err)
	}
}

func TestEscrow(t *testing.T) {
	store, v, _ := setup(t)
	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.ApplyDelta(ctx, "u", 1000)
		return err
	})
	ctx := context.Background()

	var bal int64
	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		var err error
		bal, err = v.Escrow(ctx, tx, "u", 100)
		return err
	})
	if bal != 900 {
		t.Fatalf("balance after escrow = %d, want 900", bal)
	}

	err := store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := v.Escrow(ctx, tx, "u", 901)
		return err
	})
	var funds *InsufficientFundsError
	if !errors.As(err, &funds) || funds.Shortfall != 1 {
		t.Fatalf("expected shortfall 1, got %v", err)
	}
}

func TestEscrowRejectionKeepsOverride(t *testing.T) {
	store, v, _ := setup(t)
	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.ApplyDelta(ctx, "u", 100); err != nil {
			return err
		}
		_, err := tx.Add(ctx, "u", "all_in", 0)
		return err
	})

	ctx := context.Background()
	err := store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := v.Escrow(ctx, tx, "u", 5000)
		return err
	})
	var funds *InsufficientFundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if !activeKinds(t, store, "u")["all_in"] {
		t.Fatal("rejected escrow burned the override")
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		effects []string
		outcome Outcome
		bet     int64
		want    int64
	}{
		{"plain win", nil, Win, 100, 200},
		{"plain push", nil, Push, 100, 100},
		{"plain loss", nil, Loss, 100, 0},
		{"lucky chip refunds loss", []string{"lucky_chip"}, Loss, 100, 100},
		{"lucky chip idle on win", []string{"lucky_chip"}, Win, 100, 200},
		{"double payout on win", []string{"payout_double"}, Win, 100, 400},
		{"payouts accumulate", []string{"payout_double", "payout_hot_streak"}, Win, 100, 700},
		{"small bonus floors to base", []string{"payout_tip"}, Win, 100, 200},
		{"payout idle on push", []string{"payout_double"}, Push, 100, 100},
		{"unknown kind ignored", []string{"mystery"}, Win, 100, 200},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, _, r := setup(t)
			catalog := effects.DefaultCatalog()
			seed(t, store, func(ctx context.Context, tx storage.Tx) error {
				for _, kind := range tc.effects {
					k, _ := catalog.Get(kind)
					if _, err := tx.Add(ctx, "u", kind, k.Duration); err != nil {
						return err
					}
				}
				return nil
			})

			got, err := r.Resolve(context.Background(), "u", tc.bet, BasePayout(tc.outcome, tc.bet), tc.outcome)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tc.want {
				t.Errorf("payout = %d, want %d", got, tc.want)
			}
			if got < BasePayout(tc.outcome, tc.bet) {
				t.Errorf("payout %d below base", got)
			}
			if left := activeKinds(t, store, "u"); len(left) != 0 {
				t.Errorf("effects survived resolution: %v", left)
			}
		})
	}
}

func TestResolveNeverBelowBase(t *testing.T) {
	store, _, r := setup(t)
	ctx := context.Background()
	for _, outcome := range []Outcome{Win, Push, Loss} {
		for _, bet := range []int64{1, 7, 100, 12345} {
			seed(t, store, func(ctx context.Context, tx storage.Tx) error {
				for _, k := range effects.DefaultCatalog().Kinds() {
					if _, err := tx.Add(ctx, "u", k.ID, k.Duration); err != nil {
						return err
					}
				}
				return nil
			})
			base := BasePayout(outcome, bet)
			got, err := r.Resolve(ctx, "u", bet, base, outcome)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got < base {
				t.Errorf("%s bet %d: payout %d < base %d", outcome, bet, got, base)
			}
		}
	}
}

func TestResolveSkipsExpiredEffects(t *testing.T) {
	store, _, r := setup(t)
	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Add(ctx, "u", "payout_hot_streak", time.Minute)
		return err
	})
	now = now.Add(time.Hour)

	got, err := r.Resolve(context.Background(), "u", 100, 200, Win)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != 200 {
		t.Errorf("expired effect applied: payout %d", got)
	}
}

func TestBasePayout(t *testing.T) {
	if BasePayout(Win, 100) != 200 || BasePayout(Push, 100) != 100 || BasePayout(Loss, 100) != 0 {
		t.Fatal("unexpected base payouts")
	}
}

func wantNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func wantIs(target error) func(*testing.T, error) {
	return func(t *testing.T, err error) {
		t.Helper()
		if !errors.Is(err, target) {
			t.Fatalf("error = %v, want %v", err, target)
		}
	}
}

func wantCap(limit int64) func(*testing.T, error) {
	return func(t *testing.T, err error) {
		t.Helper()
		var capErr *AboveMaximumBetError
		if !errors.As(err, &capErr) || capErr.Cap != limit {
			t.Fatalf("error = %v, want cap %d", err, limit)
		}
	}
}

func wantShortfall(n int64) func(*testing.T, error) {
	return func(t *testing.T, err error) {
		t.Helper()
		var funds *InsufficientFundsError
		if !errors.As(err, &funds) || funds.Shortfall != n {
			t.Fatalf("error = %v, want shortfall %d", err, n)
		}
	}
}
