// Package router consumes inbound bus messages and dispatches them to the
// command handlers and the blackjack session manager.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coopco/casinobot/internal/blackjack"
	"github.com/coopco/casinobot/internal/bus"
	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/history"
	"github.com/coopco/casinobot/internal/metrics"
	"github.com/coopco/casinobot/internal/storage"
	"github.com/coopco/casinobot/internal/wager"
)

const (
	DefaultActionTimeout = 2 * time.Second
	DefaultHistoryCount  = 5
	limiterIdle          = 10 * time.Minute
)

// Bus is the slice of the message bus the router uses.
type Bus interface {
	ConsumeInbound(ctx context.Context) (bus.InboundMessage, error)
	PublishOutbound(msg bus.OutboundMessage)
}

// Games is the blackjack session manager.
type Games interface {
	Start(ctx context.Context, req blackjack.StartRequest) (*blackjack.Session, error)
	Deliver(ctx context.Context, sessionID, owner string, action blackjack.Action, replyTo string) error
}

// Options configures the economy commands.
type Options struct {
	LotteryTicketCost int64
	MaxStamina        int64
	// ActionTimeout bounds how long a button press waits for a busy session.
	ActionTimeout time.Duration
}

// handler runs one command. An empty reply means the handler answered on its own.
type handler func(ctx context.Context, msg bus.InboundMessage) (string, error)

type Router struct {
	bus      Bus
	store    storage.Store
	games    Games
	catalog  *effects.Catalog
	journal  *history.Manager
	limiter  *Limiter
	opts     Options
	handlers map[string]handler

	wg sync.WaitGroup
}

// New wires a router. journal and limiter may be nil.
func New(b Bus, store storage.Store, games Games, catalog *effects.Catalog,
	journal *history.Manager, limiter *Limiter, opts Options) *Router {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}
	r := &Router{
		bus:     b,
		store:   store,
		games:   games,
		catalog: catalog,
		journal: journal,
		limiter: limiter,
		opts:    opts,
	}
	r.handlers = map[string]handler{
		"blackjack": r.handleBlackjack,
		"balance":   r.handleBalance,
		"shop":      r.handleShop,
		"lotto":     r.handleLotto,
		"history":   r.handleHistory,
		"help":      r.handleHelp,
	}
	return r
}

// Run consumes inbound messages until ctx is cancelled, handling each in its
// own goroutine. Call Wait afterwards to drain in-flight handlers.
func (r *Router) Run(ctx context.Context) error {
	if r.limiter != nil {
		go r.cleanupLimiter(ctx)
	}
	for {
		msg, err := r.bus.ConsumeInbound(ctx)
		if err != nil {
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.Handle(ctx, msg)
		}()
	}
}

// Wait blocks until every in-flight message has been handled.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Handle dispatches a single message and publishes the reply.
func (r *Router) Handle(ctx context.Context, msg bus.InboundMessage) {
	label := msg.Command
	if msg.Kind == bus.KindAction {
		label = "action"
	}

	if !r.limiter.Allow(msg.UserKey()) {
		metrics.RecordCommand(label, "rate_limited")
		r.reply(msg, bus.TypeError, "Slow down a little.")
		return
	}

	var (
		reply string
		err   error
	)
	switch msg.Kind {
	case bus.KindAction:
		err = r.handleAction(ctx, msg)
	default:
		h, ok := r.handlers[msg.Command]
		if !ok {
			metrics.RecordCommand("unknown", "error")
			r.reply(msg, bus.TypeError, "Unknown command "+msg.Command+". Try help.")
			return
		}
		reply, err = h(ctx, msg)
	}

	var rejected *blackjack.RejectedActionError
	if errors.As(err, &rejected) {
		metrics.RecordCommand(label, "rejected")
		return
	}
	if err != nil {
		metrics.RecordCommand(label, "error")
		text, public := userMessage(err)
		if !public {
			slog.Error("command failed", "command", label, "user", msg.UserKey(), "error", err)
		}
		r.reply(msg, bus.TypeError, text)
		return
	}
	metrics.RecordCommand(label, "ok")
	if reply != "" {
		r.reply(msg, bus.TypeText, reply)
	}
}

func (r *Router) handleAction(ctx context.Context, msg bus.InboundMessage) error {
	action, err := blackjack.ParseAction(msg.Action)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ActionTimeout)
	defer cancel()
	return r.games.Deliver(ctx, msg.SessionID, msg.UserKey(), action, msg.ReplyTo)
}

// reply answers msg. Answers to a button press are private to the presser:
// the press's reply handle is the game message, which belongs to the session.
func (r *Router) reply(msg bus.InboundMessage, typ, content string) {
	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		Type:    typ,
		ReplyTo: msg.ReplyTo,
	}
	if msg.Kind == bus.KindAction {
		out.Private = true
		out.UserID = msg.SenderID
	}
	r.bus.PublishOutbound(out)
}

func (r *Router) cleanupLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.limiter.Cleanup(limiterIdle)
		}
	}
}

// usageError is a malformed command.
type usageError string

func (e usageError) Error() string { return string(e) }

// userMessage turns err into text for the player. public is false for
// unexpected failures, which get a generic message and are logged.
func userMessage(err error) (text string, public bool) {
	var (
		usage    usageError
		aboveCap *wager.AboveMaximumBetError
		short    *wager.InsufficientFundsError
	)
	switch {
	case errors.As(err, &usage):
		return usage.Error(), true
	case errors.As(err, &aboveCap), errors.As(err, &short):
		return err.Error(), true
	case errors.Is(err, storage.ErrInsufficientBalance):
		return "You cannot afford that.", true
	case errors.Is(err, wager.ErrBelowMinimumBet),
		errors.Is(err, wager.ErrInvalidAction),
		errors.Is(err, blackjack.ErrSessionActive),
		errors.Is(err, blackjack.ErrNoSession),
		errors.Is(err, blackjack.ErrNotYourGame),
		errors.Is(err, blackjack.ErrSessionBusy):
		return err.Error(), true
	}
	return "Something went wrong, try again later.", false
}
