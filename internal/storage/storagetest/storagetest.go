// Package storagetest holds behaviour tests every storage.Store must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/storage"
	"github.com/coopco/casinobot/internal/wager"
)

// Factory builds a fresh, empty store whose expiry decisions use now.
type Factory func(t *testing.T, now func() time.Time) storage.Store

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store, c *clock)
	}{
		{"WalletCreatedOnLock", testWalletCreatedOnLock},
		{"ApplyDelta", testApplyDelta},
		{"RollbackDiscardsWrites", testRollback},
		{"OneShotEffects", testOneShotEffects},
		{"TimedEffectsStack", testTimedEffectsStack},
		{"ExpiredEffectsAreLazilyDeleted", testLazyExpiry},
		{"SweepExpiredEffects", testSweep},
		{"Tier", testTier},
		{"StaminaRegenIsCapped", testStamina},
		{"Lottery", testLottery},
		{"ConcurrentDeltasSerialize", testConcurrentDeltas},
		{"OneShotConsumedByOneResolution", testConcurrentOneShotResolution},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)}
			s := newStore(t, c.now)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s, c)
		})
	}
}

func tx(t *testing.T, s storage.Store, fn func(tx storage.Tx) error) {
	t.Helper()
	if err := s.WithinTx(context.Background(), fn); err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
}

func testWalletCreatedOnLock(t *testing.T, s storage.Store, _ *clock) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		w, err := tx.LockWallet(ctx, "alice")
		if err != nil {
			return err
		}
		if w.UserID != "alice" || w.Balance != 0 || w.Tier != 0 || w.Stamina != 0 {
			t.Errorf("unexpected new wallet %+v", w)
		}
		// locking twice in one transaction is fine
		_, err = tx.LockWallet(ctx, "alice")
		return err
	})
}

func testApplyDelta(t *testing.T, s storage.Store, _ *clock) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		bal, err := tx.ApplyDelta(ctx, "bob", 1000)
		if err != nil {
			return err
		}
		if bal != 1000 {
			t.Errorf("balance after credit = %d, want 1000", bal)
		}
		if bal, err = tx.ApplyDelta(ctx, "bob", -400); err != nil || bal != 600 {
			t.Errorf("debit = (%d, %v), want (600, nil)", bal, err)
		}
		if _, err := tx.ApplyDelta(ctx, "bob", -601); !errors.Is(err, storage.ErrInsufficientBalance) {
			t.Errorf("overdraft error = %v, want ErrInsufficientBalance", err)
		}
		got, err := tx.Balance(ctx, "bob")
		if err != nil {
			return err
		}
		if got != 600 {
			t.Errorf("balance after rejected overdraft = %d, want 600", got)
		}
		return nil
	})
}

func testRollback(t *testing.T, s storage.Store, _ *clock) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		_, err := tx.ApplyDelta(ctx, "carol", 500)
		return err
	})

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.ApplyDelta(ctx, "carol", -500); err != nil {
			return err
		}
		if _, err := tx.Add(ctx, "carol", "all_in", 0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx error = %v, want boom", err)
	}

	tx(t, s, func(tx storage.Tx) error {
		bal, err := tx.Balance(ctx, "carol")
		if err != nil {
			return err
		}
		if bal != 500 {
			t.Errorf("balance after rollback = %d, want 500", bal)
		}
		e, err := tx.Find(ctx, "carol", "all_in")
		if err != nil {
			return err
		}
		if e != nil {
			t.Errorf("effect survived rollback: %+v", e)
		}
		return nil
	})
}

func testOneShotEffects(t *testing.T, s storage.Store, _ *clock) {
	ctx := context.Background()
	var id string
	tx(t, s, func(tx storage.Tx) error {
		e, err := tx.Add(ctx, "dave", "lucky_chip", 0)
		if err != nil {
			return err
		}
		if !e.OneShot() || e.ID == "" {
			t.Errorf("unexpected effect %+v", e)
		}
		id = e.ID
		again, err := tx.Add(ctx, "dave", "lucky_chip", 0)
		if err != nil {
			return err
		}
		if again.ID != id {
			t.Errorf("re-adding a one-shot created a second row")
		}
		return nil
	})

	tx(t, s, func(tx storage.Tx) error {
		list, err := tx.ListActive(ctx, "dave")
		if err != nil {
			return err
		}
		if len(list) != 1 || list[0].Kind != "lucky_chip" {
			t.Fatalf("ListActive = %+v", list)
		}
		if other, err := tx.ListActive(ctx, "erin"); err != nil || len(other) != 0 {
			t.Errorf("other user sees effects: %+v %v", other, err)
		}
		if err := tx.Consume(ctx, id); err != nil {
			return err
		}
		// idempotent
		return tx.Consume(ctx, id)
	})

	tx(t, s, func(tx storage.Tx) error {
		e, err := tx.Find(ctx, "dave", "lucky_chip")
		if err != nil {
			return err
		}
		if e != nil {
			t.Errorf("consumed effect still present: %+v", e)
		}
		return nil
	})
}

func testTimedEffectsStack(t *testing.T, s storage.Store, c *clock) {
	ctx := context.Background()
	start := c.now()
	tx(t, s, func(tx storage.Tx) error {
		e, err := tx.Add(ctx, "frank", "payout_hot_streak", time.Hour)
		if err != nil {
			return err
		}
		if e.Expiry == nil || !e.Expiry.Equal(start.Add(time.Hour)) {
			t.Errorf("first expiry = %v, want %v", e.Expiry, start.Add(time.Hour))
		}
		return nil
	})

	c.advance(20 * time.Minute)
	tx(t, s, func(tx storage.Tx) error {
		e, err := tx.Add(ctx, "frank", "payout_hot_streak", time.Hour)
		if err != nil {
			return err
		}
		want := start.Add(2 * time.Hour)
		if e.Expiry == nil || !e.Expiry.Equal(want) {
			t.Errorf("stacked expiry = %v, want %v", e.Expiry, want)
		}
		list, err := tx.ListActive(ctx, "frank")
		if err != nil {
			return err
		}
		if len(list) != 1 {
			t.Errorf("expected a single merged effect, got %d", len(list))
		}
		return nil
	})
}

func testLazyExpiry(t *testing.T, s storage.Store, c *clock) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		if _, err := tx.Add(ctx, "gina", "payout_hot_streak", time.Minute); err != nil {
			return err
		}
		_, err := tx.Add(ctx, "gina", "all_in", 0)
		return err
	})

	c.advance(time.Minute)
	tx(t, s, func(tx storage.Tx) error {
		list, err := tx.ListActive(ctx, "gina")
		if err != nil {
			return err
		}
		if len(list) != 1 || list[0].Kind != "all_in" {
			t.Errorf("ListActive after expiry = %+v", list)
		}
		e, err := tx.Find(ctx, "gina", "payout_hot_streak")
		if err != nil {
			return err
		}
		if e != nil {
			t.Errorf("Find returned expired effect %+v", e)
		}
		n, err := tx.SweepExpiredEffects(ctx)
		if err != nil {
			return err
		}
		if n != 0 {
			t.Errorf("expired row was not deleted lazily, sweep removed %d", n)
		}
		return nil
	})
}

func testSweep(t *testing.T, s storage.Store, c *clock) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		for _, owner := range []string{"h1", "h2", "h3"} {
			if _, err := tx.Add(ctx, owner, "payout_hot_streak", time.Minute); err != nil {
				return err
			}
		}
		_, err := tx.Add(ctx, "h4", "payout_hot_streak", time.Hour)
		return err
	})

	c.advance(2 * time.Minute)
	tx(t, s, func(tx storage.Tx) error {
		n, err := tx.SweepExpiredEffects(ctx)
		if err != nil {
			return err
		}
		if n != 3 {
			t.Errorf("swept %d, want 3", n)
		}
		list, err := tx.ListActive(ctx, "h4")
		if err != nil {
			return err
		}
		if len(list) != 1 {
			t.Errorf("live effect was swept")
		}
		return nil
	})
}

func testTier(t *testing.T, s storage.Store, _ *clock) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		tier, err := tx.TierOf(ctx, "ivan")
		if err != nil {
			return err
		}
		if tier != 0 {
			t.Errorf("default tier = %d", tier)
		}
		if err := tx.SetTier(ctx, "ivan", 3); err != nil {
			return err
		}
		if tier, err = tx.TierOf(ctx, "ivan"); err != nil || tier != 3 {
			t.Errorf("TierOf = (%d, %v), want 3", tier, err)
		}
		return nil
	})
}

func testStamina(t *testing.T, s storage.Store, _ *clock) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		for _, u := range []string{"j1", "j2"} {
			if _, err := tx.LockWallet(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})

	for i := 0; i < 5; i++ {
		tx(t, s, func(tx storage.Tx) error {
			_, err := tx.RegenerateStamina(ctx, 3)
			return err
		})
	}

	tx(t, s, func(tx storage.Tx) error {
		w, err := tx.LockWallet(ctx, "j1")
		if err != nil {
			return err
		}
		if w.Stamina != 3 {
			t.Errorf("stamina = %d, want capped at 3", w.Stamina)
		}
		n, err := tx.RegenerateStamina(ctx, 3)
		if err != nil {
			return err
		}
		if n != 0 {
			t.Errorf("full wallets regenerated: %d", n)
		}
		return nil
	})
}

func testLottery(t *testing.T, s storage.Store, _ *clock) {
	ctx := context.Background()
	tx(t, s, func(tx storage.Tx) error {
		if _, err := tx.AddTickets(ctx, "kim", 2); err != nil {
			return err
		}
		if _, err := tx.AddTickets(ctx, "amy", 1); err != nil {
			return err
		}
		n, err := tx.AddTickets(ctx, "kim", 3)
		if err != nil {
			return err
		}
		if n != 5 {
			t.Errorf("ticket total = %d, want 5", n)
		}
		return nil
	})

	tx(t, s, func(tx storage.Tx) error {
		entries, err := tx.LotteryEntries(ctx)
		if err != nil {
			return err
		}
		want := []storage.LotteryEntry{{UserID: "amy", Quantity: 1}, {UserID: "kim", Quantity: 5}}
		if len(entries) != len(want) {
			t.Fatalf("entries = %+v, want %+v", entries, want)
		}
		for i := range want {
			if entries[i] != want[i] {
				t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
			}
		}
		if err := tx.ClearTickets(ctx); err != nil {
			return err
		}
		entries, err = tx.LotteryEntries(ctx)
		if err != nil {
			return err
		}
		if len(entries) != 0 {
			t.Errorf("tickets survived clear: %+v", entries)
		}
		return nil
	})
}

func testConcurrentDeltas(t *testing.T, s storage.Store, _ *clock) {
	ctx := context.Background()
	const workers = 16

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithinTx(ctx, func(tx storage.Tx) error {
				if _, err := tx.LockWallet(ctx, "lee"); err != nil {
					return err
				}
				_, err := tx.ApplyDelta(ctx, "lee", 1)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent tx: %v", err)
		}
	}

	tx(t, s, func(tx storage.Tx) error {
		bal, err := tx.Balance(ctx, "lee")
		if err != nil {
			return err
		}
		if bal != workers {
			t.Errorf("balance = %d, want %d", bal, workers)
		}
		return nil
	})
}

// testConcurrentOneShotResolution races resolutions for one user against a
// single lucky chip: exactly one of them may see it.
func testConcurrentOneShotResolution(t *testing.T, s storage.Store, _ *clock) {
	ctx := context.Background()
	const (
		rounds  = 5
		workers = 4
		bet     = 100
	)
	resolver := wager.NewResolver(s, effects.DefaultCatalog())

	for round := 0; round < rounds; round++ {
		tx(t, s, func(tx storage.Tx) error {
			_, err := tx.Add(ctx, "fay", "lucky_chip", 0)
			return err
		})

		var wg sync.WaitGroup
		payouts := make(chan int64, workers)
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := resolver.Resolve(ctx, "fay", bet, 0, wager.Loss)
				if err != nil {
					errs <- err
					return
				}
				payouts <- p
			}()
		}
		wg.Wait()
		close(payouts)
		close(errs)
		for err := range errs {
			t.Fatalf("round %d: Resolve: %v", round, err)
		}

		refunds := 0
		for p := range payouts {
			switch p {
			case bet:
				refunds++
			case 0:
			default:
				t.Errorf("round %d: unexpected payout %d", round, p)
			}
		}
		if refunds != 1 {
			t.Fatalf("round %d: %d resolutions refunded the bet, want exactly 1", round, refunds)
		}
	}
}
