package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coopco/casinobot/internal/blackjack"
	"github.com/coopco/casinobot/internal/bus"
	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/storage"
)

const maxTicketsPerPurchase = 1000

func (r *Router) handleBlackjack(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if len(msg.Args) != 1 {
		return "", usageError("Usage: blackjack <bet>")
	}
	bet, err := parsePositive(msg.Args[0])
	if err != nil {
		return "", usageError("Bet must be a positive whole number.")
	}
	// the session publishes the table itself
	_, err = r.games.Start(ctx, blackjack.StartRequest{
		Owner:   msg.UserKey(),
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		ReplyTo: msg.ReplyTo,
		Bet:     bet,
	})
	return "", err
}

func (r *Router) handleBalance(ctx context.Context, msg bus.InboundMessage) (string, error) {
	owner := msg.UserKey()
	var (
		wallet  storage.Wallet
		active  []effects.Effect
		tickets int64
	)
	err := r.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		if wallet, err = tx.LockWallet(ctx, owner); err != nil {
			return err
		}
		if active, err = tx.ListActive(ctx, owner); err != nil {
			return err
		}
		tickets, err = ticketsOf(ctx, tx, owner)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("read balance: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance: %d\nTier: %d\n", wallet.Balance, wallet.Tier)
	if r.opts.MaxStamina > 0 {
		fmt.Fprintf(&sb, "Stamina: %d/%d\n", wallet.Stamina, r.opts.MaxStamina)
	}
	if tickets > 0 {
		fmt.Fprintf(&sb, "Lottery tickets: %d\n", tickets)
	}
	if len(active) > 0 {
		sb.WriteString("Effects:\n")
		for _, e := range active {
			sb.WriteString("  " + r.describeEffect(e) + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (r *Router) describeEffect(e effects.Effect) string {
	name := e.Kind
	if k, ok := r.catalog.Get(e.Kind); ok {
		name = k.Name
	}
	if e.OneShot() {
		return name + " (next game)"
	}
	return fmt.Sprintf("%s (until %s)", name, e.Expiry.UTC().Format(time.RFC3339))
}

func (r *Router) handleShop(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if len(msg.Args) == 0 || msg.Args[0] == "list" {
		return r.shopList(), nil
	}
	if msg.Args[0] != "buy" || len(msg.Args) != 2 {
		return "", usageError("Usage: shop [list] | shop buy <item>")
	}

	kind, ok := r.catalog.Get(msg.Args[1])
	if !ok {
		return "", usageError(fmt.Sprintf("No item called %q. Try shop list.", msg.Args[1]))
	}
	owner := msg.UserKey()
	var (
		balance int64
		bought  effects.Effect
	)
	err := r.store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockWallet(ctx, owner); err != nil {
			return err
		}
		if kind.Duration <= 0 {
			held, err := tx.Find(ctx, owner, kind.ID)
			if err != nil {
				return err
			}
			if held != nil {
				return usageError(fmt.Sprintf("You already hold %s.", kind.Name))
			}
		}
		var err error
		if balance, err = tx.ApplyDelta(ctx, owner, -kind.Price); err != nil {
			return err
		}
		bought, err = tx.Add(ctx, owner, kind.ID, kind.Duration)
		return err
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Bought %s. Balance: %d\nActive: %s", kind.Name, balance, r.describeEffect(bought)), nil
}

func (r *Router) shopList() string {
	var sb strings.Builder
	sb.WriteString("Shop:\n")
	for _, k := range r.catalog.Kinds() {
		fmt.Fprintf(&sb, "  %s  %s  %d", k.ID, k.Name, k.Price)
		if k.Duration > 0 {
			fmt.Fprintf(&sb, "  lasts %s", k.Duration)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Router) handleLotto(ctx context.Context, msg bus.InboundMessage) (string, error) {
	if r.opts.LotteryTicketCost <= 0 {
		return "", usageError("The lottery is closed.")
	}
	owner := msg.UserKey()
	if len(msg.Args) == 0 {
		var held int64
		err := r.store.WithinTx(ctx, func(tx storage.Tx) error {
			var err error
			held, err = ticketsOf(ctx, tx, owner)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("read tickets: %w", err)
		}
		return fmt.Sprintf("You hold %d tickets at %d each.", held, r.opts.LotteryTicketCost), nil
	}

	n, err := parsePositive(msg.Args[0])
	if err != nil || len(msg.Args) != 1 {
		return "", usageError("Usage: lotto [tickets]")
	}
	if n > maxTicketsPerPurchase {
		return "", usageError(fmt.Sprintf("At most %d tickets at a time.", maxTicketsPerPurchase))
	}
	var balance, held int64
	err = r.store.WithinTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockWallet(ctx, owner); err != nil {
			return err
		}
		var err error
		if balance, err = tx.ApplyDelta(ctx, owner, -n*r.opts.LotteryTicketCost); err != nil {
			return err
		}
		held, err = tx.AddTickets(ctx, owner, n)
		return err
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Bought %d tickets. You hold %d. Balance: %d", n, held, balance), nil
}

func (r *Router) handleHistory(_ context.Context, msg bus.InboundMessage) (string, error) {
	if r.journal == nil {
		return "", usageError("History is not kept on this server.")
	}
	n := DefaultHistoryCount
	if len(msg.Args) > 0 {
		v, err := parsePositive(msg.Args[0])
		if err != nil {
			return "", usageError("Usage: history [count]")
		}
		n = int(min(v, 50))
	}

	events := r.journal.Get(msg.UserKey()).Recent(n)
	if len(events) == 0 {
		return "No games played yet.", nil
	}
	var sb strings.Builder
	for _, ev := range events {
		if ev.Pending {
			fmt.Fprintf(&sb, "%s %s bet %d %s payout pending\n", ev.Timestamp, ev.Game, ev.Bet, ev.Outcome)
			continue
		}
		fmt.Fprintf(&sb, "%s %s bet %d %s payout %d balance %d\n",
			ev.Timestamp, ev.Game, ev.Bet, ev.Outcome, ev.Payout, ev.Balance)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (r *Router) handleHelp(context.Context, bus.InboundMessage) (string, error) {
	return strings.Join([]string{
		"blackjack <bet>   play a hand",
		"balance           show balance, stamina and effects",
		"shop [list]       list items",
		"shop buy <item>   buy an item",
		"lotto [tickets]   buy lottery tickets",
		"history [count]   recent games",
	}, "\n"), nil
}

func ticketsOf(ctx context.Context, tx storage.Tx, owner string) (int64, error) {
	entries, err := tx.LotteryEntries(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.UserID == owner {
			return e.Quantity, nil
		}
	}
	return 0, nil
}

func parsePositive(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%d is not positive", n)
	}
	return n, nil
}
