// Package sqlstore implements storage.Store on PostgreSQL (lib/pq) or SQLite
// (modernc.org/sqlite) through sqlx. Queries are written with ? placeholders
// and rebound per driver; timestamps are stored as unix milliseconds.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/coopco/casinobot/internal/effects"
	"github.com/coopco/casinobot/internal/storage"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store is a SQL-backed storage.Store.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to driver at dsn. SQLite databases are created on demand and
// limited to one connection, which serializes transactions.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite, "sqlite3":
		driver = DriverSQLite
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		dsn = withSQLitePragmas(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return New(db, opts...), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// WithinTx runs fn in a database transaction, committing when it returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlTx{tx: tx, now: s.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func ensureDir(dsn string) error {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	return nil
}

func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

type sqlTx struct {
	tx  *sqlx.Tx
	now func() time.Time
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
}

func (t *sqlTx) get(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *sqlTx) sel(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *sqlTx) ensureWallet(ctx context.Context, owner string) error {
	_, err := t.exec(ctx,
		`INSERT INTO wallets (user_id, updated_at) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`,
		owner, t.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create wallet %s: %w", owner, err)
	}
	return nil
}

func (t *sqlTx) LockWallet(ctx context.Context, owner string) (storage.Wallet, error) {
	if err := t.ensureWallet(ctx, owner); err != nil {
		return storage.Wallet{}, err
	}
	// The write takes the row lock on Postgres and the database write lock on SQLite.
	if _, err := t.exec(ctx,
		`UPDATE wallets SET version = version + 1 WHERE user_id = ?`, owner); err != nil {
		return storage.Wallet{}, fmt.Errorf("lock wallet %s: %w", owner, err)
	}
	var w storage.Wallet
	if err := t.get(ctx, &w,
		`SELECT user_id, balance, tier, stamina FROM wallets WHERE user_id = ?`, owner); err != nil {
		return storage.Wallet{}, fmt.Errorf("read wallet %s: %w", owner, err)
	}
	return w, nil
}

func (t *sqlTx) Balance(ctx context.Context, owner string) (int64, error) {
	var bal int64
	err := t.get(ctx, &bal, `SELECT balance FROM wallets WHERE user_id = ?`, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", owner, err)
	}
	return bal, nil
}

func (t *sqlTx) ApplyDelta(ctx context.Context, owner string, delta int64) (int64, error) {
	if err := t.ensureWallet(ctx, owner); err != nil {
		return 0, err
	}
	var bal int64
	err := t.get(ctx, &bal,
		`UPDATE wallets SET balance = balance + ?, updated_at = ?
		 WHERE user_id = ? AND balance + ? >= 0
		 RETURNING balance`,
		delta, t.now().UnixMilli(), owner, delta)
	if errors.Is(err, sql.ErrNoRows) {
		cur, berr := t.Balance(ctx, owner)
		if berr != nil {
			return 0, berr
		}
		return cur, storage.ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("apply delta %s: %w", owner, err)
	}
	return bal, nil
}

func (t *sqlTx) TierOf(ctx context.Context, owner string) (int64, error) {
	var tier int64
	err := t.get(ctx, &tier, `SELECT tier FROM wallets WHERE user_id = ?`, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read tier %s: %w", owner, err)
	}
	return tier, nil
}

func (t *sqlTx) SetTier(ctx context.Context, owner string, tier int64) error {
	if err := t.ensureWallet(ctx, owner); err != nil {
		return err
	}
	if _, err := t.exec(ctx,
		`UPDATE wallets SET tier = ?, updated_at = ? WHERE user_id = ?`,
		tier, t.now().UnixMilli(), owner); err != nil {
		return fmt.Errorf("set tier %s: %w", owner, err)
	}
	return nil
}

func (t *sqlTx) RegenerateStamina(ctx context.Context, ceiling int64) (int64, error) {
	res, err := t.exec(ctx,
		`UPDATE wallets SET stamina = stamina + 1, updated_at = ? WHERE stamina < ?`,
		t.now().UnixMilli(), ceiling)
	if err != nil {
		return 0, fmt.Errorf("regenerate stamina: %w", err)
	}
	return res.RowsAffected()
}

func (t *sqlTx) AddTickets(ctx context.Context, owner string, n int64) (int64, error) {
	var total int64
	err := t.get(ctx, &total,
		`INSERT INTO lottery_tickets (user_id, quantity) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET quantity = lottery_tickets.quantity + excluded.quantity
		 RETURNING quantity`,
		owner, n)
	if err != nil {
		return 0, fmt.Errorf("add tickets %s: %w", owner, err)
	}
	return total, nil
}

func (t *sqlTx) LotteryEntries(ctx context.Context) ([]storage.LotteryEntry, error) {
	var out []storage.LotteryEntry
	if err := t.sel(ctx, &out,
		`SELECT user_id, quantity FROM lottery_tickets WHERE quantity > 0 ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("list lottery entries: %w", err)
	}
	return out, nil
}

func (t *sqlTx) ClearTickets(ctx context.Context) error {
	if _, err := t.exec(ctx, `DELETE FROM lottery_tickets`); err != nil {
		return fmt.Errorf("clear tickets: %w", err)
	}
	return nil
}

type effectRow struct {
	ID     string        `db:"id"`
	UserID string        `db:"user_id"`
	Kind   string        `db:"kind"`
	Expiry sql.NullInt64 `db:"expiry"`
}

func (r effectRow) effect() effects.Effect {
	e := effects.Effect{ID: r.ID, Owner: r.UserID, Kind: r.Kind}
	if r.Expiry.Valid {
		exp := time.UnixMilli(r.Expiry.Int64).UTC()
		e.Expiry = &exp
	}
	return e
}

func (t *sqlTx) ListActive(ctx context.Context, owner string) ([]effects.Effect, error) {
	if _, err := t.exec(ctx,
		`DELETE FROM effects WHERE user_id = ? AND expiry IS NOT NULL AND expiry <= ?`,
		owner, t.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("expire effects %s: %w", owner, err)
	}
	var rows []effectRow
	if err := t.sel(ctx, &rows,
		`SELECT id, user_id, kind, expiry FROM effects WHERE user_id = ? ORDER BY kind`, owner); err != nil {
		return nil, fmt.Errorf("list effects %s: %w", owner, err)
	}
	out := make([]effects.Effect, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.effect())
	}
	return out, nil
}

func (t *sqlTx) lookup(ctx context.Context, owner, kind string) (*effectRow, error) {
	var r effectRow
	err := t.get(ctx, &r,
		`SELECT id, user_id, kind, expiry FROM effects WHERE user_id = ? AND kind = ?`, owner, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find effect %s/%s: %w", owner, kind, err)
	}
	return &r, nil
}

func (t *sqlTx) Find(ctx context.Context, owner, kind string) (*effects.Effect, error) {
	r, err := t.lookup(ctx, owner, kind)
	if err != nil || r == nil {
		return nil, err
	}
	e := r.effect()
	if !e.Active(t.now()) {
		if err := t.Consume(ctx, e.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &e, nil
}

func (t *sqlTx) Add(ctx context.Context, owner, kind string, d time.Duration) (effects.Effect, error) {
	now := t.now()
	r, err := t.lookup(ctx, owner, kind)
	if err != nil {
		return effects.Effect{}, err
	}

	var expiry sql.NullInt64
	if d > 0 {
		var existing *time.Time
		if r != nil {
			existing = r.effect().Expiry
		}
		expiry = sql.NullInt64{Int64: effects.MergeExpiry(existing, now, d).UnixMilli(), Valid: true}
	}

	if r == nil {
		r = &effectRow{ID: uuid.NewString(), UserID: owner, Kind: kind, Expiry: expiry}
		if _, err := t.exec(ctx,
			`INSERT INTO effects (id, user_id, kind, expiry, created_at) VALUES (?, ?, ?, ?, ?)`,
			r.ID, owner, kind, expiry, now.UnixMilli()); err != nil {
			return effects.Effect{}, fmt.Errorf("insert effect %s/%s: %w", owner, kind, err)
		}
		return r.effect(), nil
	}

	r.Expiry = expiry
	if _, err := t.exec(ctx, `UPDATE effects SET expiry = ? WHERE id = ?`, expiry, r.ID); err != nil {
		return effects.Effect{}, fmt.Errorf("extend effect %s/%s: %w", owner, kind, err)
	}
	return r.effect(), nil
}

func (t *sqlTx) Consume(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, `DELETE FROM effects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("consume effect %s: %w", id, err)
	}
	return nil
}

func (t *sqlTx) SweepExpiredEffects(ctx context.Context) (int64, error) {
	res, err := t.exec(ctx,
		`DELETE FROM effects WHERE expiry IS NOT NULL AND expiry <= ?`, t.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep effects: %w", err)
	}
	return res.RowsAffected()
}

var _ storage.Store = (*Store)(nil)
