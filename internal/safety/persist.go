package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CapitalState is the capital section of the persisted state file.
type CapitalState struct {
	Base        float64 `json:"base"`
	Current     float64 `json:"current"`
	Peak        float64 `json:"peak"`
	DrawdownPct float64 `json:"drawdown_pct"`
}

// HistoryEntry is one archived trigger or transition event.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "transition", "trigger", "manual_reset", "failure"
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Severity  Severity  `json:"severity"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// PersistedState is the on-disk record. Loading a freshly-saved file and
// re-saving it produces semantically identical content.
type PersistedState struct {
	State          State          `json:"state"`
	TradingEnabled bool           `json:"trading_enabled"`
	SafeMode       bool           `json:"safe_mode"`
	Severity       Severity       `json:"severity"`
	FailureCount   int            `json:"failure_count"`
	Capital        CapitalState   `json:"capital"`
	History        []HistoryEntry `json:"history"`
	LastTriggerAt  time.Time      `json:"last_trigger_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DefaultPersistedState is the startup state when nothing trustworthy is on
// disk: Normal, trading disabled. The system never starts trading-enabled
// from untrusted storage.
func DefaultPersistedState() *PersistedState {
	return &PersistedState{
		State:          StateNormal,
		TradingEnabled: false,
		Severity:       SeveritySafe,
	}
}

// FileStore persists the machine state to a single JSON file, written
// atomically on every state-affecting mutation.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted state. A missing or corrupt file yields the safe
// default and a non-nil error describing why, so the caller can log the
// recovery; partial data is never trusted.
func (fs *FileStore) Load() (*PersistedState, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return DefaultPersistedState(), fmt.Errorf("reading state file: %w", err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return DefaultPersistedState(), fmt.Errorf("corrupt state file: %w", err)
	}

	return &state, nil
}

// Save writes the state atomically: temp file in the same directory, fsync,
// rename over the target. A crash mid-write leaves either the old file or the
// new one, never a torn mix.
func (fs *FileStore) Save(state *PersistedState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, ".capguard-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}

	// Best-effort fsync of the parent directory to harden rename durability
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}
