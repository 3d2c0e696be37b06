package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coopco/casinobot/internal/blackjack"
	"github.com/coopco/casinobot/internal/bus"
	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/history"
	"github.com/coopco/casinobot/internal/storage"
	"github.com/coopco/casinobot/internal/storage/memory"
	"github.com/coopco/casinobot/internal/wager"
)

type fakeBus struct {
	mu  sync.Mutex
	out []bus.OutboundMessage
	in  chan bus.InboundMessage
}

func (b *fakeBus) ConsumeInbound(ctx context.Context) (bus.InboundMessage, error) {
	select {
	case msg := <-b.in:
		return msg, nil
	case <-ctx.Done():
		return bus.InboundMessage{}, ctx.Err()
	}
}

func (b *fakeBus) PublishOutbound(msg bus.OutboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, msg)
}

func (b *fakeBus) last(t *testing.T) bus.OutboundMessage {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.out) == 0 {
		t.Fatal("no outbound message")
	}
	return b.out[len(b.out)-1]
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.out)
}

type fakeGames struct {
	started    []blackjack.StartRequest
	startErr   error
	delivered  []string
	deliverErr error
}

func (g *fakeGames) Start(_ context.Context, req blackjack.StartRequest) (*blackjack.Session, error) {
	g.started = append(g.started, req)
	if g.startErr != nil {
		return nil, g.startErr
	}
	return &blackjack.Session{ID: "s1", Owner: req.Owner}, nil
}

func (g *fakeGames) Deliver(_ context.Context, sessionID, owner string, action blackjack.Action, replyTo string) error {
	g.delivered = append(g.delivered, fmt.Sprintf("%s/%s/%s/%s", sessionID, owner, action, replyTo))
	return g.deliverErr
}

type fixture struct {
	router *Router
	bus    *fakeBus
	games  *fakeGames
	store  *memory.Store
}

func newFixture(t *testing.T, limiter *Limiter) *fixture {
	t.Helper()
	f := &fixture{
		bus:   &fakeBus{in: make(chan bus.InboundMessage)},
		games: &fakeGames{},
		store: memory.New(),
	}
	f.router = New(f.bus, f.store, f.games, effects.DefaultCatalog(),
		history.NewManager(t.TempDir()), limiter, Options{LotteryTicketCost: 100, MaxStamina: 3})
	return f
}

func (f *fixture) fund(t *testing.T, owner string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.WithinTx(ctx, func(tx storage.Tx) error {
		_, err := tx.ApplyDelta(ctx, owner, amount)
		return err
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) command(t *testing.T, name string, args ...string) bus.OutboundMessage {
	t.Helper()
	f.router.Handle(context.Background(), bus.InboundMessage{
		Channel:  "discord",
		SenderID: "ada",
		ChatID:   "c1",
		Kind:     bus.KindCommand,
		Command:  name,
		Args:     args,
		ReplyTo:  "r1",
	})
	return f.bus.last(t)
}

func TestBalanceReportsWalletAndEffects(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "discord:ada", 5000)
	f.command(t, "shop", "buy", "lucky_chip")

	reply := f.command(t, "balance")
	if reply.Type != bus.TypeText {
		t.Fatalf("unexpected reply %+v", reply)
	}
	for _, want := range []string{"Balance: 2500", "Stamina: 0/3", "Lucky Chip (next game)"} {
		if !strings.Contains(reply.Content, want) {
			t.Errorf("balance reply missing %q:\n%s", want, reply.Content)
		}
	}
	if reply.ReplyTo != "r1" || reply.ChatID != "c1" || reply.Channel != "discord" {
		t.Errorf("reply not routed back: %+v", reply)
	}
}

func TestShop(t *testing.T) {
	f := newFixture(t, nil)

	list := f.command(t, "shop")
	if !strings.Contains(list.Content, "payout_hot_streak") || !strings.Contains(list.Content, "lasts 1h0m0s") {
		t.Errorf("unexpected shop list:\n%s", list.Content)
	}

	tests := []struct {
		name     string
		args     []string
		wantType string
		want     string
	}{
		{"cannot afford", []string{"buy", "all_in"}, bus.TypeError, "cannot afford"},
		{"unknown item", []string{"buy", "nothing"}, bus.TypeError, "No item called"},
		{"bad usage", []string{"sell", "all_in"}, bus.TypeError, "Usage"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reply := f.command(t, "shop", tc.args...)
			if reply.Type != tc.wantType || !strings.Contains(reply.Content, tc.want) {
				t.Errorf("reply = %+v, want %s containing %q", reply, tc.wantType, tc.want)
			}
		})
	}

	f.fund(t, "discord:ada", 6000)
	if reply := f.command(t, "shop", "buy", "all_in"); !strings.Contains(reply.Content, "Balance: 1000") {
		t.Errorf("unexpected purchase reply %q", reply.Content)
	}
	if reply := f.command(t, "shop", "buy", "all_in"); !strings.Contains(reply.Content, "already hold") {
		t.Errorf("second one-shot purchase should be refused, got %q", reply.Content)
	}
}

func TestShopBuyTimedEffectStacks(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "discord:ada", 40000)
	f.command(t, "shop", "buy", "payout_hot_streak")
	reply := f.command(t, "shop", "buy", "payout_hot_streak")
	if reply.Type != bus.TypeText || !strings.Contains(reply.Content, "Balance: 0") {
		t.Fatalf("unexpected reply %+v", reply)
	}

	ctx := context.Background()
	_ = f.store.WithinTx(ctx, func(tx storage.Tx) error {
		e, err := tx.Find(ctx, "discord:ada", "payout_hot_streak")
		if err != nil || e == nil || e.Expiry == nil {
			t.Fatalf("expected timed effect, got %+v, %v", e, err)
		}
		if left := time.Until(*e.Expiry); left < 119*time.Minute {
			t.Errorf("expected stacked expiry about 2h out, got %s", left)
		}
		return nil
	})
}

func TestLotto(t *testing.T) {
	f := newFixture(t, nil)
	f.fund(t, "discord:ada", 1000)

	if reply := f.command(t, "lotto", "3"); !strings.Contains(reply.Content, "You hold 3. Balance: 700") {
		t.Errorf("unexpected reply %q", reply.Content)
	}
	if reply := f.command(t, "lotto", "2"); !strings.Contains(reply.Content, "You hold 5") {
		t.Errorf("unexpected reply %q", reply.Content)
	}
	if reply := f.command(t, "lotto"); reply.Content != "You hold 5 tickets at 100 each." {
		t.Errorf("unexpected reply %q", reply.Content)
	}
	if reply := f.command(t, "lotto", "100"); reply.Type != bus.TypeError {
		t.Errorf("expected overdraft to fail, got %+v", reply)
	}
	if reply := f.command(t, "lotto", "-1"); !strings.Contains(reply.Content, "Usage") {
		t.Errorf("expected usage error, got %q", reply.Content)
	}
	if reply := f.command(t, "lotto", "5000"); !strings.Contains(reply.Content, "At most") {
		t.Errorf("expected purchase limit, got %q", reply.Content)
	}
}

func TestBlackjackCommand(t *testing.T) {
	f := newFixture(t, nil)

	before := f.bus.count()
	f.router.Handle(context.Background(), bus.InboundMessage{
		Channel: "slack", SenderID: "U1", ChatID: "C1", Kind: bus.KindCommand,
		Command: "blackjack", Args: []string{"250"},
	})
	if f.bus.count() != before {
		t.Error("a started game should answer through the session, not the router")
	}
	if len(f.games.started) != 1 {
		t.Fatalf("expected one start, got %d", len(f.games.started))
	}
	req := f.games.started[0]
	if req.Owner != "slack:U1" || req.Bet != 250 || req.ChatID != "C1" {
		t.Errorf("unexpected start request %+v", req)
	}

	if reply := f.command(t, "blackjack", "lots"); !strings.Contains(reply.Content, "positive whole number") {
		t.Errorf("unexpected reply %q", reply.Content)
	}

	f.games.startErr = &wager.AboveMaximumBetError{Cap: 10000}
	if reply := f.command(t, "blackjack", "20000"); reply.Content != "bet exceeds the maximum of 10000" {
		t.Errorf("unexpected reply %q", reply.Content)
	}
}

func TestActionDelivery(t *testing.T) {
	f := newFixture(t, nil)
	action := bus.InboundMessage{
		Channel: "discord", SenderID: "ada", ChatID: "c1", Kind: bus.KindAction,
		SessionID: "s1", Action: "hit", ReplyTo: "int-9",
	}

	f.router.Handle(context.Background(), action)
	if len(f.games.delivered) != 1 || f.games.delivered[0] != "s1/discord:ada/hit/int-9" {
		t.Fatalf("unexpected delivery %v", f.games.delivered)
	}

	f.games.deliverErr = blackjack.ErrSessionBusy
	f.router.Handle(context.Background(), action)
	if reply := f.bus.last(t); reply.Type != bus.TypeError || reply.Content != blackjack.ErrSessionBusy.Error() {
		t.Errorf("unexpected reply %+v", reply)
	}

	before := f.bus.count()
	f.games.deliverErr = &blackjack.RejectedActionError{Err: wager.ErrInvalidAction}
	f.router.Handle(context.Background(), action)
	if f.bus.count() != before {
		t.Error("a rejected action is reported by the session, not the router")
	}

	action.Action = "split"
	f.router.Handle(context.Background(), action)
	if reply := f.bus.last(t); !strings.Contains(reply.Content, "unknown action") {
		t.Errorf("unexpected reply %+v", reply)
	}
	if len(f.games.delivered) != 3 {
		t.Error("an unknown action must not reach the session")
	}
}

func TestActionErrorsArePrivateToThePresser(t *testing.T) {
	tests := []struct {
		name    string
		limiter *Limiter
		err     error
		want    string
	}{
		{name: "not the owner", err: blackjack.ErrNotYourGame, want: blackjack.ErrNotYourGame.Error()},
		{name: "session busy", err: blackjack.ErrSessionBusy, want: blackjack.ErrSessionBusy.Error()},
		{name: "rate limited", limiter: NewLimiter(0.001, 1), want: "Slow down a little."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.limiter)
			f.games.deliverErr = tc.err
			if tc.limiter != nil {
				tc.limiter.Allow("slack:bystander")
			}
			f.router.Handle(context.Background(), bus.InboundMessage{
				Channel: "slack", SenderID: "bystander", ChatID: "c1", Kind: bus.KindAction,
				SessionID: "s1", Action: "hit", ReplyTo: "ts-of-game-message",
			})

			reply := f.bus.last(t)
			if reply.Type != bus.TypeError || reply.Content != tc.want {
				t.Fatalf("unexpected reply %+v", reply)
			}
			if !reply.Private || reply.UserID != "bystander" {
				t.Errorf("reply must be private to the presser, got private=%v user=%q", reply.Private, reply.UserID)
			}
		})
	}
}

func TestCommandRepliesAreNotPrivate(t *testing.T) {
	f := newFixture(t, nil)
	if reply := f.command(t, "help"); reply.Private || reply.ReplyTo != "r1" {
		t.Errorf("unexpected reply routing %+v", reply)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, nil)
	if reply := f.command(t, "history"); reply.Content != "No games played yet." {
		t.Errorf("unexpected reply %q", reply.Content)
	}

	for i := int64(1); i <= 3; i++ {
		if err := f.router.journal.Append("discord:ada", history.Event{
			Game: "blackjack", Bet: i * 10, Outcome: "win", Payout: i * 20, Balance: i * 100,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	reply := f.command(t, "history", "2")
	lines := strings.Split(reply.Content, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", reply.Content)
	}
	if !strings.Contains(lines[0], "bet 30") || !strings.Contains(lines[1], "bet 20") {
		t.Errorf("expected newest first, got %q", reply.Content)
	}
}

func TestHistoryShowsPendingSettlement(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.router.journal.Append("discord:ada", history.Event{
		Game: "blackjack", Bet: 100, Outcome: "win", Pending: true, BasePayout: 200, Balance: 900,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	reply := f.command(t, "history")
	if !strings.HasSuffix(reply.Content, "blackjack bet 100 win payout pending") {
		t.Errorf("unexpected reply %q", reply.Content)
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, nil)
	reply := f.command(t, "roulette")
	if reply.Type != bus.TypeError || !strings.Contains(reply.Content, "Unknown command roulette") {
		t.Errorf("unexpected reply %+v", reply)
	}
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, NewLimiter(0.001, 1))
	if reply := f.command(t, "help"); reply.Type != bus.TypeText {
		t.Fatalf("first command should pass, got %+v", reply)
	}
	if reply := f.command(t, "help"); reply.Type != bus.TypeError || !strings.Contains(reply.Content, "Slow down") {
		t.Fatalf("second command should be limited, got %+v", reply)
	}
}

func TestRunDispatchesUntilCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx) }()

	f.bus.in <- bus.InboundMessage{Channel: "discord", SenderID: "ada", Kind: bus.KindCommand, Command: "help"}
	deadline := time.After(time.Second)
	for f.bus.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("message not handled")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	f.router.Wait()
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err        error
		wantPublic bool
		want       string
	}{
		{usageError("Usage: x"), true, "Usage: x"},
		{fmt.Errorf("escrow: %w", &wager.InsufficientFundsError{Shortfall: 5}), true, "escrow: insufficient funds: 5 short"},
		{storage.ErrInsufficientBalance, true, "You cannot afford that."},
		{wager.ErrBelowMinimumBet, true, wager.ErrBelowMinimumBet.Error()},
		{blackjack.ErrNotYourGame, true, blackjack.ErrNotYourGame.Error()},
		{errors.New("database is locked"), false, "Something went wrong, try again later."},
	}
	for _, tc := range tests {
		got, public := userMessage(tc.err)
		if got != tc.want || public != tc.wantPublic {
			t.Errorf("userMessage(%v) = %q, %v; want %q, %v", tc.err, got, public, tc.want, tc.wantPublic)
		}
	}
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(0.001, 2)
	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst should be allowed")
	}
	if l.Allow("a") {
		t.Fatal("third call should be limited")
	}
	if !l.Allow("b") {
		t.Fatal("keys must not share a bucket")
	}

	l.Cleanup(time.Hour)
	if l.size() != 2 {
		t.Errorf("recent buckets dropped, size %d", l.size())
	}
	l.Cleanup(0)
	if l.size() != 0 {
		t.Errorf("idle buckets kept, size %d", l.size())
	}

	var disabled *Limiter
	if !disabled.Allow("x") || !NewLimiter(0, 0).Allow("x") {
		t.Error("disabled limiter should allow everything")
	}
}
