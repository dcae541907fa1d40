// Package capital tracks the account's balance picture: current balance,
// monotonic peak, drawdown, and open-position metadata. External collaborators
// feed balances and positions in; every other component reads snapshots out.
package capital

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of account capital.
type Snapshot struct {
	CurrentBalance float64   `json:"current_balance"`
	PeakBalance    float64   `json:"peak_balance"`
	InitialCapital float64   `json:"initial_capital"`
	DrawdownPct    float64   `json:"drawdown_pct"` // 0..1
	PositionCount  int       `json:"position_count"`
	Floor          float64   `json:"floor"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RetainedPct returns current balance as a percentage of initial capital.
// Returns 100 when initial capital is unknown.
func (s Snapshot) RetainedPct() float64 {
	if s.InitialCapital <= 0 {
		return 100
	}
	return s.CurrentBalance / s.InitialCapital * 100
}

// PositionRecord mirrors what the position-tracking collaborator reports.
// The store only reads these; position lifecycle stays with the broker side.
type PositionRecord struct {
	Symbol   string    `json:"symbol"`
	Quantity float64   `json:"quantity"`
	USDValue float64   `json:"usd_value"`
	PnLPct   float64   `json:"pnl_pct"`
	OpenedAt time.Time `json:"opened_at"`
}

// Store holds the latest capital snapshot. The peak never decreases: it is
// updated only when a reported balance exceeds it.
type Store struct {
	mu        sync.RWMutex
	snapshot  Snapshot
	positions []PositionRecord
}

// NewStore creates a store. initialCapital may be zero, in which case the
// first reported balance becomes the baseline.
func NewStore(initialCapital, floor float64) *Store {
	return &Store{
		snapshot: Snapshot{
			InitialCapital: initialCapital,
			Floor:          floor,
		},
	}
}

// ReportBalance records a balance update and recomputes peak and drawdown.
func (s *Store) ReportBalance(balance float64) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if balance < 0 {
		balance = 0
	}

	if s.snapshot.InitialCapital <= 0 {
		s.snapshot.InitialCapital = balance
	}
	s.snapshot.CurrentBalance = balance
	if balance > s.snapshot.PeakBalance {
		s.snapshot.PeakBalance = balance
	}
	s.snapshot.DrawdownPct = drawdown(s.snapshot.PeakBalance, balance)
	s.snapshot.UpdatedAt = time.Now()

	return s.snapshot
}

// ReportPositions replaces the tracked position list.
func (s *Store) ReportPositions(positions []PositionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions = make([]PositionRecord, len(positions))
	copy(s.positions, positions)
	s.snapshot.PositionCount = len(positions)
	s.snapshot.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current capital view.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Positions returns a copy of the tracked position list.
func (s *Store) Positions() []PositionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PositionRecord, len(s.positions))
	copy(out, s.positions)
	return out
}

// Restore seeds the store from persisted state at startup.
func (s *Store) Restore(initial, current, peak float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if initial > 0 {
		s.snapshot.InitialCapital = initial
	}
	s.snapshot.CurrentBalance = current
	if peak > s.snapshot.PeakBalance {
		s.snapshot.PeakBalance = peak
	}
	if current > s.snapshot.PeakBalance {
		s.snapshot.PeakBalance = current
	}
	s.snapshot.DrawdownPct = drawdown(s.snapshot.PeakBalance, current)
	s.snapshot.UpdatedAt = time.Now()
}

// drawdown returns (peak - current) / peak, treating a zero peak as no
// drawdown.
func drawdown(peak, current float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (peak - current) / peak
	if dd < 0 {
		return 0
	}
	if dd > 1 {
		return 1
	}
	return dd
}
