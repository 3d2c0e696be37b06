// Package memory is an in-process storage.Store. A single mutex serializes
// transactions; each one works on a copy that replaces the live state on commit.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/storage"
)

var errTxClosed = errors.New("memory: transaction already finished")

type state struct {
	wallets map[string]storage.Wallet
	effects map[string]effects.Effect
	tickets map[string]int64
}

func (s state) clone() state {
	out := state{
		wallets: make(map[string]storage.Wallet, len(s.wallets)),
		effects: make(map[string]effects.Effect, len(s.effects)),
		tickets: make(map[string]int64, len(s.tickets)),
	}
	for k, v := range s.wallets {
		out.wallets[k] = v
	}
	for k, v := range s.effects {
		out.effects[k] = v
	}
	for k, v := range s.tickets {
		out.tickets[k] = v
	}
	return out
}

// Store implements storage.Store in memory.
type Store struct {
	mu    sync.Mutex
	state state
	now   func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		state: state{
			wallets: make(map[string]storage.Wallet),
			effects: make(map[string]effects.Effect),
			tickets: make(map[string]int64),
		},
		now: time.Now,
	}
}

// SetClock replaces the time source used for expiry decisions.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// WithinTx runs fn against a private copy of the state.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{st: s.state.clone(), now: s.now}
	err := fn(tx)
	tx.closed = true
	if err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type memTx struct {
	st     state
	now    func() time.Time
	closed bool
}

func (t *memTx) check(ctx context.Context) error {
	if t.closed {
		return errTxClosed
	}
	return ctx.Err()
}

func (t *memTx) wallet(owner string) storage.Wallet {
	w, ok := t.st.wallets[owner]
	if !ok {
		w = storage.Wallet{UserID: owner}
		t.st.wallets[owner] = w
	}
	return w
}

func (t *memTx) LockWallet(ctx context.Context, owner string) (storage.Wallet, error) {
	if err := t.check(ctx); err != nil {
		return storage.Wallet{}, err
	}
	return t.wallet(owner), nil
}

func (t *memTx) Balance(ctx context.Context, owner string) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.st.wallets[owner].Balance, nil
}

func (t *memTx) ApplyDelta(ctx context.Context, owner string, delta int64) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	w := t.wallet(owner)
	if w.Balance+delta < 0 {
		return w.Balance, storage.ErrInsufficientBalance
	}
	w.Balance += delta
	t.st.wallets[owner] = w
	return w.Balance, nil
}

func (t *memTx) TierOf(ctx context.Context, owner string) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.st.wallets[owner].Tier, nil
}

func (t *memTx) SetTier(ctx context.Context, owner string, tier int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	w := t.wallet(owner)
	w.Tier = tier
	t.st.wallets[owner] = w
	return nil
}

func (t *memTx) RegenerateStamina(ctx context.Context, ceiling int64) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	for id, w := range t.st.wallets {
		if w.Stamina < ceiling {
			w.Stamina++
			t.st.wallets[id] = w
			n++
		}
	}
	return n, nil
}

func (t *memTx) AddTickets(ctx context.Context, owner string, n int64) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	t.st.tickets[owner] += n
	return t.st.tickets[owner], nil
}

func (t *memTx) LotteryEntries(ctx context.Context) ([]storage.LotteryEntry, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	out := make([]storage.LotteryEntry, 0, len(t.st.tickets))
	for id, q := range t.st.tickets {
		if q > 0 {
			out = append(out, storage.LotteryEntry{UserID: id, Quantity: q})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (t *memTx) ClearTickets(ctx context.Context) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.st.tickets = make(map[string]int64)
	return nil
}

func (t *memTx) ListActive(ctx context.Context, owner string) ([]effects.Effect, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	now := t.now()
	var out []effects.Effect
	for id, e := range t.st.effects {
		if e.Owner != owner {
			continue
		}
		if !e.Active(now) {
			delete(t.st.effects, id)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (t *memTx) Find(ctx context.Context, owner, kind string) (*effects.Effect, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	e, ok := t.lookup(owner, kind)
	if !ok {
		return nil, nil
	}
	if !e.Active(t.now()) {
		delete(t.st.effects, e.ID)
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) lookup(owner, kind string) (effects.Effect, bool) {
	for _, e := range t.st.effects {
		if e.Owner == owner && e.Kind == kind {
			return e, true
		}
	}
	return effects.Effect{}, false
}

func (t *memTx) Add(ctx context.Context, owner, kind string, d time.Duration) (effects.Effect, error) {
	if err := t.check(ctx); err != nil {
		return effects.Effect{}, err
	}
	now := t.now()
	e, ok := t.lookup(owner, kind)
	if !ok {
		e = effects.Effect{ID: uuid.NewString(), Owner: owner, Kind: kind}
	}
	if d > 0 {
		var existing *time.Time
		if ok && e.Expiry != nil {
			existing = e.Expiry
		}
		exp := effects.MergeExpiry(existing, now, d)
		e.Expiry = &exp
	} else {
		e.Expiry = nil
	}
	t.st.effects[e.ID] = e
	return e, nil
}

func (t *memTx) Consume(ctx context.Context, id string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	delete(t.st.effects, id)
	return nil
}

func (t *memTx) SweepExpiredEffects(ctx context.Context) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	now := t.now()
	var n int64
	for id, e := range t.st.effects {
		if !e.Active(now) {
			delete(t.st.effects, id)
			n++
		}
	}
	return n, nil
}

var _ storage.Store = (*Store)(nil)
