package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestGetEmptyJournal(t *testing.T) {
	m := NewManager(t.TempDir())
	j := m.Get("discord:1")
	if j.Meta.Key != "discord:1" {
		t.Fatalf("expected key discord:1, got %q", j.Meta.Key)
	}
	if len(j.Recent(10)) != 0 {
		t.Fatal("expected empty journal")
	}
}

func TestAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	for i := 1; i <= 3; i++ {
		if err := m.Append("discord:1", Event{Game: "blackjack", Bet: int64(i * 100), Outcome: "win"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "discord_1.jsonl")); err != nil {
		t.Fatalf("journal file missing: %v", err)
	}

	reloaded := NewManager(dir).Get("discord:1")
	if reloaded.Meta.CreatedAt == "" {
		t.Error("expected created_at in meta line")
	}
	events := reloaded.Recent(0)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Bet != 300 || events[2].Bet != 100 {
		t.Errorf("expected newest first, got %+v", events)
	}
	if events[0].Timestamp == "" {
		t.Error("expected timestamp to be filled in")
	}
}

func TestRecentLimits(t *testing.T) {
	m := NewManager(t.TempDir())
	for i := 0; i < 5; i++ {
		if err := m.Append("k", Event{Bet: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	tests := []struct {
		n    int
		want int
	}{{2, 2}, {5, 5}, {9, 5}, {0, 5}, {-1, 5}}
	for _, tc := range tests {
		if got := len(m.Get("k").Recent(tc.n)); got != tc.want {
			t.Errorf("Recent(%d) returned %d events, want %d", tc.n, got, tc.want)
		}
	}
}

func TestConcurrentAppend(t *testing.T) {
	m := NewManager(t.TempDir())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.Append(fmt.Sprintf("slack:%d", i%3), Event{Bet: int64(i)}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 3; i++ {
		total += len(m.Get(fmt.Sprintf("slack:%d", i)).Recent(0))
	}
	if total != 50 {
		t.Fatalf("expected 50 events, got %d", total)
	}
}

func TestKeyToFilename(t *testing.T) {
	tests := []struct{ key, want string }{
		{"discord:123", "discord_123.jsonl"},
		{"a/b", "a_b.jsonl"},
		{"../etc", "__etc.jsonl"},
	}
	for _, tc := range tests {
		if got := keyToFilename(tc.key); got != tc.want {
			t.Errorf("keyToFilename(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}
