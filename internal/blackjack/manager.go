package blackjack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/coopco/casinobot/internal/bus"
	"github.com/coopco/casinobot/internal/history"
	"github.com/coopco/casinobot/internal/metrics"
	"github.com/coopco/casinobot/internal/storage"
	"github.com/coopco/casinobot/internal/wager"
)

const (
	DefaultDecks         = 8
	DefaultIdleTimeout   = 120 * time.Second
	DefaultSettleRetries = 5
	DefaultSettleTimeout = 30 * time.Second
)

// Notifier delivers rendered game messages to players.
type Notifier interface {
	TryPublishOutbound(msg bus.OutboundMessage) bool
}

// Recorder journals settled games.
type Recorder interface {
	Append(key string, ev history.Event) error
}

// Options tunes sessions. Zero values fall back to the defaults above.
type Options struct {
	Decks         int
	IdleTimeout   time.Duration
	SettleRetries int
	SettleTimeout time.Duration
	// NewShoe overrides shoe construction, e.g. to stack cards in tests.
	NewShoe func() *Shoe
	// NewBackOff overrides the settlement retry policy.
	NewBackOff func() backoff.BackOff
}

// Manager owns every open session and enforces one session per player.
type Manager struct {
	store     storage.Store
	validator *wager.Validator
	resolver  *wager.Resolver
	notify    Notifier
	journal   Recorder
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	owners   map[string]string // owner -> session id, "" while admitting
}

// NewManager wires a manager. notify and journal may be nil.
func NewManager(store storage.Store, validator *wager.Validator, resolver *wager.Resolver,
	notify Notifier, journal Recorder, opts Options) *Manager {
	if opts.Decks <= 0 {
		opts.Decks = DefaultDecks
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SettleRetries <= 0 {
		opts.SettleRetries = DefaultSettleRetries
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	if opts.NewShoe == nil {
		decks := opts.Decks
		opts.NewShoe = func() *Shoe { return NewShoe(decks, nil) }
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		validator: validator,
		resolver:  resolver,
		notify:    notify,
		journal:   journal,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		owners:    make(map[string]string),
	}
}

// StartRequest opens a hand.
type StartRequest struct {
	Owner   string
	Channel string
	ChatID  string
	ReplyTo string
	Bet     int64
}

// Start validates and escrows the bet, deals, and runs the hand in the
// background. Admission errors are returned and no session is created.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if err := m.ctx.Err(); err != nil {
		return nil, fmt.Errorf("blackjack is shutting down: %w", err)
	}

	m.mu.Lock()
	if _, busy := m.owners[req.Owner]; busy {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.owners[req.Owner] = ""
	m.mu.Unlock()

	var balance int64
	err := m.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		balance, err = m.validator.Escrow(ctx, tx, req.Owner, req.Bet)
		return err
	})
	metrics.RecordAdmission(err)
	if err != nil {
		m.mu.Lock()
		delete(m.owners, req.Owner)
		m.mu.Unlock()
		return nil, err
	}

	game := NewGame(m.opts.NewShoe(), req.Bet)
	game.Deal()
	s := &Session{
		ID:      uuid.NewString(),
		Owner:   req.Owner,
		Channel: req.Channel,
		ChatID:  req.ChatID,
		game:    game,
		balance: balance,
		replyTo: req.ReplyTo,
		actions: make(chan actionRequest),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.owners[s.Owner] = s.ID
	m.mu.Unlock()

	metrics.SessionOpened()
	slog.Info("blackjack session started", "session", s.ID, "owner", s.Owner, "bet", req.Bet, "balance", balance)

	m.wg.Add(1)
	go m.run(s)
	return s, nil
}

// Deliver hands a player action to the session and waits for it to be
// applied. The session takes one action at a time; if it does not accept
// before ctx ends, ErrSessionBusy is returned.
func (m *Manager) Deliver(ctx context.Context, sessionID, owner string, action Action, replyTo string) error {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	if s.Owner != owner {
		return ErrNotYourGame
	}

	req := actionRequest{action: action, replyTo: replyTo, reply: make(chan error, 1)}
	select {
	case s.actions <- req:
	case <-s.done:
		return ErrNoSession
	case <-ctx.Done():
		return ErrSessionBusy
	}
	return <-req.reply
}

// Active returns the owner's open session, if any.
func (m *Manager) Active(owner string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.owners[owner]]
	return s, ok
}

// Shutdown ends every open hand as if each player stood, settles them, and
// waits for settlement or ctx, whichever comes first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(s *Session) {
	defer m.finish(s)

	m.publish(s, bus.TypeGame, renderTable(s.game, false), s.game.Available(s.balance))

	timer := time.NewTimer(m.opts.IdleTimeout)
	defer timer.Stop()

	for s.game.State() == StatePlayerTurn {
		select {
		case req := <-s.actions:
			if req.replyTo != "" {
				s.replyTo = req.replyTo
			}
			err := m.apply(s, req.action)
			if err != nil {
				m.publish(s, bus.TypeGame, err.Error()+"\n\n"+renderTable(s.game, false), s.game.Available(s.balance))
				req.reply <- &RejectedActionError{Err: err}
			} else {
				req.reply <- nil
				if s.game.State() == StatePlayerTurn {
					m.publish(s, bus.TypeGame, renderTable(s.game, false), s.game.Available(s.balance))
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.opts.IdleTimeout)
		case <-timer.C:
			slog.Info("blackjack session idle, standing", "session", s.ID, "owner", s.Owner)
			s.timedOut = true
			_ = s.game.Apply(Stand)
		case <-m.ctx.Done():
			slog.Info("blackjack session interrupted, standing", "session", s.ID, "owner", s.Owner)
			s.timedOut = true
			_ = s.game.Apply(Stand)
		}
	}

	s.game.PlayDealer()
	m.settle(s)
}

func (m *Manager) apply(s *Session, action Action) error {
	if action != Double {
		return s.game.Apply(action)
	}
	if !s.game.CanDouble() {
		return fmt.Errorf("%w: double is only allowed as the first action", wager.ErrInvalidAction)
	}

	extra := s.game.Bet
	var balance int64
	err := m.store.WithinTx(m.ctx, func(tx storage.Tx) error {
		w, err := tx.LockWallet(m.ctx, s.Owner)
		if err != nil {
			return err
		}
		if w.Balance < extra {
			return &wager.InsufficientFundsError{Shortfall: extra - w.Balance}
		}
		balance, err = tx.ApplyDelta(m.ctx, s.Owner, -extra)
		return err
	})
	if err != nil {
		return err
	}
	s.balance = balance
	return s.game.Apply(Double)
}

type settlement struct {
	payout  int64
	balance int64
}

// settle credits the payout and consumes effects in one transaction, retrying
// transient failures. It runs even after shutdown began.
func (m *Manager) settle(s *Session) {
	g := s.game
	outcome := g.Outcome()
	base := wager.BasePayout(outcome, g.Bet)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), m.opts.SettleTimeout)
	defer cancel()

	attempt := 0
	st, err := backoff.Retry(ctx, func() (settlement, error) {
		attempt++
		var st settlement
		err := m.store.WithinTx(ctx, func(tx storage.Tx) error {
			if _, err := tx.LockWallet(ctx, s.Owner); err != nil {
				return err
			}
			payout, err := m.resolver.ResolveTx(ctx, tx, s.Owner, g.Bet, base, outcome)
			if err != nil {
				return err
			}
			bal, err := tx.ApplyDelta(ctx, s.Owner, payout)
			if err != nil {
				return err
			}
			st = settlement{payout: payout, balance: bal}
			return nil
		})
		if err != nil {
			slog.Warn("blackjack settlement attempt failed", "session", s.ID, "attempt", attempt, "error", err)
		}
		return st, err
	}, backoff.WithBackOff(m.opts.NewBackOff()), backoff.WithMaxTries(uint(m.opts.SettleRetries)))

	s.result = Result{
		SessionID: s.ID,
		Outcome:   outcome,
		Bet:       g.Bet,
		Player:    g.Player,
		Dealer:    g.Dealer,
		TimedOut:  s.timedOut,
	}
	metrics.RecordSettlement(outcome, err)

	if err != nil {
		s.result.Err = fmt.Errorf("%w: %w", wager.ErrResolutionPending, err)
		s.result.Balance = s.balance
		slog.Error("blackjack settlement failed, escrow held",
			"session", s.ID, "owner", s.Owner, "bet", g.Bet, "outcome", outcome, "base", base, "error", err)
		m.record(s, history.Event{Balance: s.balance, Pending: true, BasePayout: base})
		m.publish(s, bus.TypeError, renderTable(g, true)+"\n"+s.result.Err.Error(), nil)
		return
	}

	s.result.Payout = st.payout
	s.result.Balance = st.balance
	slog.Info("blackjack session settled",
		"session", s.ID, "owner", s.Owner, "outcome", outcome, "bet", g.Bet, "payout", st.payout, "balance", st.balance)

	m.record(s, history.Event{Payout: st.payout, Balance: st.balance})
	m.publish(s, bus.TypeResult, renderResult(s.result), nil)
}

// record journals the finished hand. ev carries the money fields.
func (m *Manager) record(s *Session, ev history.Event) {
	if m.journal == nil {
		return
	}
	g := s.game
	ev.Game = "blackjack"
	ev.SessionID = s.ID
	ev.Bet = g.Bet
	ev.Outcome = g.Outcome().String()
	ev.Player = g.Player.String()
	ev.Dealer = g.Dealer.String()
	ev.TimedOut = s.timedOut
	if err := m.journal.Append(s.Owner, ev); err != nil {
		slog.Warn("failed to journal game", "session", s.ID, "error", err)
	}
}

func (m *Manager) finish(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if m.owners[s.Owner] == s.ID {
		delete(m.owners, s.Owner)
	}
	m.mu.Unlock()

	metrics.SessionClosed()
	close(s.done)
	m.wg.Done()
}

func (m *Manager) publish(s *Session, typ, content string, actions []Action) {
	if m.notify == nil {
		return
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	m.notify.TryPublishOutbound(bus.OutboundMessage{
		Channel:   s.Channel,
		ChatID:    s.ChatID,
		Content:   content,
		Type:      typ,
		SessionID: s.ID,
		Actions:   names,
		ReplyTo:   s.replyTo,
	})
}
