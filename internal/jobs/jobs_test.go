package jobs

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/coopco/casinobot/internal/storage"
	"github.com/coopco/casinobot/internal/storage/memory"
)

func inTx(t *testing.T, s storage.Store, fn func(ctx context.Context, tx storage.Tx) error) {
	t.Helper()
	ctx := context.Background()
	if err := s.WithinTx(ctx, func(tx storage.Tx) error { return fn(ctx, tx) }); err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
}

func TestBuild(t *testing.T) {
	store := memory.New()
	jobs, err := Build(map[string]string{
		StaminaJob:     "0 */10 * * * *",
		LotteryJob:     "0 0 17 * * FRI",
		EffectSweepJob: "",
	}, Deps{Store: store, MaxStamina: 3, LotteryTicketCost: 10})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected disabled job to be skipped, got %d jobs", len(jobs))
	}
	if jobs[0].ID != LotteryJob || jobs[1].ID != StaminaJob {
		t.Errorf("jobs not sorted by id: %s, %s", jobs[0].ID, jobs[1].ID)
	}

	if _, err := Build(map[string]string{"stamnia": "@hourly"}, Deps{Store: store}); err == nil {
		t.Fatal("expected unknown job error")
	}
}

func TestStaminaRegen(t *testing.T) {
	store := memory.New()
	inTx(t, store, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.LockWallet(ctx, "u")
		return err
	})

	regen := StaminaRegen(store, 3)
	for i := 0; i < 4; i++ {
		if err := regen(context.Background()); err != nil {
			t.Fatalf("regen: %v", err)
		}
	}
	inTx(t, store, func(ctx context.Context, tx storage.Tx) error {
		w, err := tx.LockWallet(ctx, "u")
		if w.Stamina != 3 {
			t.Errorf("stamina = %d, want 3", w.Stamina)
		}
		return err
	})
}

func TestEffectSweep(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	store.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	inTx(t, store, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Add(ctx, "u", "payout_hot_streak", time.Minute)
		return err
	})
	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	if err := EffectSweep(store)(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	inTx(t, store, func(ctx context.Context, tx storage.Tx) error {
		n, err := tx.SweepExpiredEffects(ctx)
		if n != 0 {
			t.Errorf("sweep left %d expired effects", n)
		}
		return err
	})
}

func TestLotteryDrawPaysPotAndClears(t *testing.T) {
	store := memory.New()
	inTx(t, store, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.AddTickets(ctx, "alice", 3); err != nil {
			return err
		}
		_, err := tx.AddTickets(ctx, "bob", 1)
		return err
	})

	var announced []Winner
	draw := LotteryDraw(Deps{
		Store:             store,
		LotteryTicketCost: 1000,
		Rand:              rand.New(rand.NewPCG(3, 4)),
		Announce:          func(_ context.Context, w Winner) { announced = append(announced, w) },
	})
	if err := draw(context.Background()); err != nil {
		t.Fatalf("draw: %v", err)
	}
	if len(announced) != 1 {
		t.Fatalf("expected one winner, got %d", len(announced))
	}
	w := announced[0]
	if w.Pot != 4000 || w.Balance != 4000 {
		t.Errorf("winner = %+v, want pot 4000 credited", w)
	}

	inTx(t, store, func(ctx context.Context, tx storage.Tx) error {
		entries, err := tx.LotteryEntries(ctx)
		if len(entries) != 0 {
			t.Errorf("tickets not cleared: %+v", entries)
		}
		return err
	})

	// an empty draw is a no-op
	if err := draw(context.Background()); err != nil {
		t.Fatalf("empty draw: %v", err)
	}
	if len(announced) != 1 {
		t.Fatal("empty draw announced a winner")
	}
}

func TestPickWinnerIsTicketWeighted(t *testing.T) {
	entries := []storage.LotteryEntry{{UserID: "a", Quantity: 1}, {UserID: "b", Quantity: 9}}
	rng := rand.New(rand.NewPCG(42, 42))
	wins := map[string]int{}
	for i := 0; i < 10_000; i++ {
		w, ok := pickWinner(entries, rng)
		if !ok {
			t.Fatal("no winner")
		}
		wins[w.UserID]++
	}
	if wins["b"] < 8500 || wins["b"] > 9500 {
		t.Errorf("b won %d of 10000 draws, want about 9000", wins["b"])
	}

	if _, ok := pickWinner(nil, rng); ok {
		t.Error("winner drawn from no tickets")
	}
}
