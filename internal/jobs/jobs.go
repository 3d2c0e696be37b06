// Package jobs holds the economy's scheduled actions and builds the job list
// handed to the scheduler.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"

	"github.com/coopco/casinobot/internal/cron"
	"github.com/coopco/casinobot/internal/storage"
)

const (
	StaminaJob     = "stamina"
	LotteryJob     = "lottery"
	EffectSweepJob = "effect_sweep"
)

// Winner is announced after a lottery draw.
type Winner struct {
	UserID  string
	Tickets int64
	Pot     int64
	Balance int64
}

// Deps are the collaborators the jobs act on.
type Deps struct {
	Store             storage.Store
	MaxStamina        int64
	LotteryTicketCost int64
	// Rand picks lottery winners; nil uses a randomly seeded source.
	Rand *rand.Rand
	// Announce is told about each lottery winner. Optional.
	Announce func(ctx context.Context, w Winner)
}

// Build turns the configured job id -> expression map into scheduler jobs.
// Unknown ids are rejected so a typo cannot silently disable a job.
func Build(schedules map[string]string, deps Deps) ([]cron.Job, error) {
	actions := map[string]cron.Action{
		StaminaJob:     StaminaRegen(deps.Store, deps.MaxStamina),
		LotteryJob:     LotteryDraw(deps),
		EffectSweepJob: EffectSweep(deps.Store),
	}

	ids := make([]string, 0, len(schedules))
	for id := range schedules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]cron.Job, 0, len(ids))
	for _, id := range ids {
		action, ok := actions[id]
		if !ok {
			return nil, fmt.Errorf("unknown job %q", id)
		}
		expr := schedules[id]
		if expr == "" {
			slog.Info("job disabled", "job", id)
			continue
		}
		out = append(out, cron.Job{ID: id, Schedule: cron.Expr(expr), Action: action})
	}
	return out, nil
}

// StaminaRegen gives every wallet below maxStamina one point.
func StaminaRegen(store storage.Store, maxStamina int64) cron.Action {
	return func(ctx context.Context) error {
		var n int64
		err := store.WithinTx(ctx, func(tx storage.Tx) error {
			var err error
			n, err = tx.RegenerateStamina(ctx, maxStamina)
			return err
		})
		if err != nil {
			return fmt.Errorf("regenerate stamina: %w", err)
		}
		slog.Debug("stamina regenerated", "wallets", n)
		return nil
	}
}

// EffectSweep deletes lapsed timed effects that no read has cleaned up.
func EffectSweep(store storage.Store) cron.Action {
	return func(ctx context.Context) error {
		var n int64
		err := store.WithinTx(ctx, func(tx storage.Tx) error {
			var err error
			n, err = tx.SweepExpiredEffects(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("sweep effects: %w", err)
		}
		if n > 0 {
			slog.Info("expired effects swept", "count", n)
		}
		return nil
	}
}

// LotteryDraw picks one ticket uniformly at random, pays its holder the pot
// (every ticket sold times the ticket cost) and clears all tickets.
func LotteryDraw(deps Deps) cron.Action {
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return func(ctx context.Context) error {
		var (
			winner Winner
			drawn  bool
		)
		err := deps.Store.WithinTx(ctx, func(tx storage.Tx) error {
			entries, err := tx.LotteryEntries(ctx)
			if err != nil {
				return err
			}
			if err := tx.ClearTickets(ctx); err != nil {
				return err
			}
			w, ok := pickWinner(entries, rng)
			if !ok {
				return nil
			}
			w.Pot *= deps.LotteryTicketCost
			if _, err := tx.LockWallet(ctx, w.UserID); err != nil {
				return err
			}
			if w.Balance, err = tx.ApplyDelta(ctx, w.UserID, w.Pot); err != nil {
				return err
			}
			winner, drawn = w, true
			return nil
		})
		if err != nil {
			return fmt.Errorf("lottery draw: %w", err)
		}
		if !drawn {
			slog.Info("lottery draw skipped, no tickets")
			return nil
		}
		slog.Info("lottery drawn", "winner", winner.UserID, "tickets", winner.Tickets, "pot", winner.Pot)
		if deps.Announce != nil {
			deps.Announce(ctx, winner)
		}
		return nil
	}
}

// pickWinner draws a ticket weighted by quantity. Pot is the total ticket count.
func pickWinner(entries []storage.LotteryEntry, rng *rand.Rand) (Winner, bool) {
	var total int64
	for _, e := range entries {
		total += e.Quantity
	}
	if total <= 0 {
		return Winner{}, false
	}
	ticket := rng.Int64N(total)
	for _, e := range entries {
		if ticket < e.Quantity {
			return Winner{UserID: e.UserID, Tickets: e.Quantity, Pot: total}, true
		}
		ticket -= e.Quantity
	}
	return Winner{}, false
}
