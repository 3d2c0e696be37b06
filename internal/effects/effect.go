package effects

import (
	"context"
	"time"
)

// Effect is a purchased modifier attached to a user. A nil Expiry marks a
// one-shot effect that lives until something consumes it.
type Effect struct {
	ID     string
	Owner  string
	Kind   string
	Expiry *time.Time
}

// OneShot reports whether the effect has no expiry.
func (e Effect) OneShot() bool { return e.Expiry == nil }

// Active reports whether the effect still applies at now.
func (e Effect) Active(now time.Time) bool {
	return e.Expiry == nil || e.Expiry.After(now)
}

// MergeExpiry stacks a new duration onto an existing expiry. The result is
// never earlier than now+d, so topping up a lapsed effect starts fresh.
func MergeExpiry(existing *time.Time, now time.Time, d time.Duration) time.Time {
	fresh := now.Add(d)
	if existing == nil {
		return fresh
	}
	if stacked := existing.Add(d); stacked.After(fresh) {
		return stacked
	}
	return fresh
}

// Repo is the effect store as seen from inside a transaction.
//
// ListActive and Find treat expired rows as absent and delete them lazily.
// Add merges into an existing effect of the same kind; d <= 0 adds a
// one-shot effect. Consume deletes by id and is a no-op for unknown ids.
type Repo interface {
	ListActive(ctx context.Context, owner string) ([]Effect, error)
	Find(ctx context.Context, owner, kind string) (*Effect, error)
	Add(ctx context.Context, owner, kind string, d time.Duration) (Effect, error)
	Consume(ctx context.Context, id string) error
}
