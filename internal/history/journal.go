// Package history keeps an append-only JSONL journal of settled games per user.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event is one finished game. Pending events were not credited: the stake is
// still held and BasePayout is what the outcome paid before effects.
type Event struct {
	Game       string `json:"game"`
	SessionID  string `json:"session_id"`
	Bet        int64  `json:"bet"`
	Outcome    string `json:"outcome"`
	Payout     int64  `json:"payout"`
	Balance    int64  `json:"balance"`
	Player     string `json:"player,omitempty"`
	Dealer     string `json:"dealer,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Pending    bool   `json:"pending,omitempty"`
	BasePayout int64  `json:"base_payout,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// JournalMeta is stored as the first line of the JSONL file
type JournalMeta struct {
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

// Journal holds one user's events
type Journal struct {
	Meta   JournalMeta
	Events []Event
	mu     sync.RWMutex
}

// Recent returns up to n of the latest events, newest first. n <= 0 means all.
func (j *Journal) Recent(n int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if n <= 0 || n > len(j.Events) {
		n = len(j.Events)
	}
	out := make([]Event, 0, n)
	for i := len(j.Events) - 1; i >= len(j.Events)-n; i-- {
		out = append(out, j.Events[i])
	}
	return out
}

// Manager owns the journal files under dataDir
type Manager struct {
	dataDir string
	cache   map[string]*Journal
	mu      sync.Mutex
}

// NewManager creates a Manager rooted at dataDir
func NewManager(dataDir string) *Manager {
	return &Manager{
		dataDir: dataDir,
		cache:   make(map[string]*Journal),
	}
}

// keyToFilename replaces unsafe characters for use as a filename
func keyToFilename(key string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_")
	return r.Replace(key) + ".jsonl"
}

// Get returns the journal for key, loading it from disk on first use.
func (m *Manager) Get(key string) *Journal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func (m *Manager) getLocked(key string) *Journal {
	if j, ok := m.cache[key]; ok {
		return j
	}
	j := m.load(key)
	if j == nil {
		j = &Journal{Meta: JournalMeta{Key: key}, Events: []Event{}}
	}
	m.cache[key] = j
	return j
}

// Append records ev for key in memory and appends it to the journal file.
func (m *Manager) Append(key string, ev Event) error {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.getLocked(key)

	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	path := filepath.Join(m.dataDir, keyToFilename(key))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	enc := json.NewEncoder(f)
	if info.Size() == 0 {
		j.mu.Lock()
		if j.Meta.CreatedAt == "" {
			j.Meta.CreatedAt = ev.Timestamp
		}
		meta := j.Meta
		j.mu.Unlock()
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("failed to write journal meta: %w", err)
		}
	}
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	j.mu.Lock()
	j.Events = append(j.Events, ev)
	j.mu.Unlock()
	return nil
}

// load reads a journal from disk; returns nil if the file does not exist
func (m *Manager) load(key string) *Journal {
	f, err := os.Open(filepath.Join(m.dataDir, keyToFilename(key)))
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil
	}
	var meta JournalMeta
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return nil
	}

	events := []Event{}
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return &Journal{Meta: meta, Events: events}
}
