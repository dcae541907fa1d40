package safety

import (
	"context"
	"sync"
	"time"

	"capguard/config"
	"capguard/internal/capital"
	"capguard/internal/events"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Persister stores and recalls machine state. Saves happen synchronously on
// every state-affecting mutation: persistence lag could otherwise mask an
// unsafe state across a restart.
type Persister interface {
	Load() (*PersistedState, error)
	Save(*PersistedState) error
}

// AuditSink receives history entries for long-term audit storage. Delivery is
// best-effort and must not block the decision path.
type AuditSink interface {
	RecordEvent(ctx context.Context, entry HistoryEntry) error
}

// Machine is the authoritative safety gate. One lock guards every
// read-modify-write sequence so can_trade never observes a torn state.
type Machine struct {
	mu sync.Mutex

	cfg config.SafetyConfig

	state          State
	tradingEnabled bool
	safeMode       bool
	severity       Severity
	failureCount   int
	lastTriggerAt  time.Time
	history        []HistoryEntry

	capital *capital.Store
	store   Persister
	bus     *events.EventBus
	audit   AuditSink
	logger  zerolog.Logger
}

// NewMachine loads persisted state and builds the gate. A missing or corrupt
// state file falls back to Normal with trading disabled.
func NewMachine(cfg config.SafetyConfig, cap *capital.Store, store Persister, bus *events.EventBus, logger zerolog.Logger) *Machine {
	m := &Machine{
		cfg:     cfg,
		capital: cap,
		store:   store,
		bus:     bus,
		logger:  logger.With().Str("component", "SafetyMachine").Logger(),
	}

	persisted, err := store.Load()
	if err != nil {
		m.logger.Warn().Err(err).Msg("persisted state unusable, starting Normal with trading disabled")
	}

	m.state = persisted.State
	m.tradingEnabled = persisted.TradingEnabled
	m.safeMode = persisted.SafeMode
	m.severity = persisted.Severity
	m.failureCount = persisted.FailureCount
	m.lastTriggerAt = persisted.LastTriggerAt
	m.history = persisted.History

	cap.Restore(persisted.Capital.Base, persisted.Capital.Current, persisted.Capital.Peak)

	m.logger.Info().
		Str("state", m.state.String()).
		Bool("trading_enabled", m.tradingEnabled).
		Str("severity", m.severity.String()).
		Int("failure_count", m.failureCount).
		Msg("safety machine initialized")

	return m
}

// SetAuditSink attaches an optional audit store. Call before concurrent use.
func (m *Machine) SetAuditSink(sink AuditSink) {
	m.audit = sink
}

// TransitionTo attempts a validated state transition. Invalid edges are
// rejected: the machine logs, leaves state unchanged, and returns false.
func (m *Machine) TransitionTo(to State, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, reason)
}

func (m *Machine) transitionLocked(to State, reason string) bool {
	from := m.state

	if !CanTransition(from, to) {
		m.logger.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Str("reason", reason).
			Msg("rejected invalid transition")
		return false
	}

	m.state = to
	m.safeMode = to == StateSafeMode || to == StateEmergencyHalt
	if m.safeMode {
		m.tradingEnabled = false
	}

	entry := HistoryEntry{
		ID:        uuid.New().String(),
		Kind:      "transition",
		From:      from.String(),
		To:        to.String(),
		Severity:  m.severity,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	m.appendHistoryLocked(entry)
	m.persistLocked()

	m.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Bool("trading_enabled", m.tradingEnabled).
		Msg("safety state transition")

	if m.bus != nil {
		m.bus.PublishStateChanged(from.String(), to.String(), reason, m.tradingEnabled)
	}

	return true
}

// CanTrade answers whether an operation is currently permitted, with a reason
// when it is not. Exits are always allowed once trading is not fully halted.
func (m *Machine) CanTrade(op Operation) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateEmergencyHalt:
		return false, "emergency halt: all trading blocked"
	case StateSafeMode, StateRecovery:
		if op == OpExit {
			return true, ""
		}
		return false, m.state.String() + ": only exits permitted"
	}

	if !m.tradingEnabled {
		return false, "trading disabled"
	}

	if op == OpEntry && m.severity >= SeverityDanger {
		return false, "capital severity " + m.severity.String() + ": entries blocked"
	}

	return true, ""
}

// RecordFailure counts a collaborator failure and forces a downgrade when the
// count crosses a threshold. Thresholds are checked after the increment,
// highest severity first.
func (m *Machine) RecordFailure(kind, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failureCount++

	m.appendHistoryLocked(HistoryEntry{
		ID:        uuid.New().String(),
		Kind:      "failure",
		Severity:  m.severity,
		Reason:    kind + ": " + detail,
		Timestamp: time.Now(),
	})

	m.logger.Warn().
		Str("kind", kind).
		Str("detail", detail).
		Int("failure_count", m.failureCount).
		Msg("trade failure recorded")

	switch {
	case m.failureCount >= m.cfg.EmergencyFailures:
		if m.state != StateEmergencyHalt {
			m.lastTriggerAt = time.Now()
			m.transitionLocked(StateEmergencyHalt, "failure count reached emergency threshold")
			return
		}
	case m.failureCount >= m.cfg.SafeModeFailures:
		if m.state != StateSafeMode && m.state != StateEmergencyHalt {
			m.lastTriggerAt = time.Now()
			m.transitionLocked(StateSafeMode, "failure count reached safe-mode threshold")
			return
		}
	case m.failureCount >= m.cfg.DegradedFailures:
		if m.state == StateNormal {
			m.lastTriggerAt = time.Now()
			m.transitionLocked(StateDegraded, "failure count reached degraded threshold")
			return
		}
	}

	m.persistLocked()
}

// ApplyTrigger consumes a severity evaluation. A change relative to the
// previous severity drives a state transition.
func (m *Machine) ApplyTrigger(t Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.severity
	m.severity = t.Severity

	m.appendHistoryLocked(HistoryEntry{
		ID:        t.ID,
		Kind:      "trigger",
		Severity:  t.Severity,
		Reason:    t.Type,
		Timestamp: t.Timestamp,
	})

	if m.bus != nil {
		m.bus.PublishTriggerFired(t.Type, t.Severity.String(), t.Measured)
	}

	if t.Severity == previous {
		m.persistLocked()
		return
	}

	m.logger.Info().
		Str("previous", previous.String()).
		Str("severity", t.Severity.String()).
		Str("trigger_type", t.Type).
		Msg("capital severity changed")

	switch {
	case t.Severity == SeverityCritical:
		m.lastTriggerAt = time.Now()
		if m.state != StateEmergencyHalt {
			m.transitionLocked(StateEmergencyHalt, "critical capital trigger")
			return
		}
	case t.Severity == SeverityDanger:
		m.lastTriggerAt = time.Now()
		if m.state != StateSafeMode && m.state != StateEmergencyHalt {
			m.transitionLocked(StateSafeMode, "danger capital trigger")
			return
		}
	case t.Severity == SeverityWarning:
		if m.state == StateNormal {
			m.lastTriggerAt = time.Now()
			m.transitionLocked(StateDegraded, "warning capital trigger")
			return
		}
	case t.Severity <= SeverityCaution:
		// Improvement: close the recovery loop once capital is healthy again
		if m.state == StateRecovery || m.state == StateDegraded {
			m.transitionLocked(StateNormal, "capital conditions recovered")
			return
		}
	}

	m.persistLocked()
}

// EnableTrading turns the global trading flag on. Refused in SafeMode and
// EmergencyHalt.
func (m *Machine) EnableTrading() bool {
	return m.setTrading(true)
}

// DisableTrading turns the global trading flag off. Refused in SafeMode and
// EmergencyHalt, where the flag is already forced off.
func (m *Machine) DisableTrading() bool {
	return m.setTrading(false)
}

func (m *Machine) setTrading(enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateEmergencyHalt || m.state == StateSafeMode {
		m.logger.Warn().
			Str("state", m.state.String()).
			Bool("requested", enabled).
			Msg("trading toggle refused")
		return false
	}

	m.tradingEnabled = enabled
	m.persistLocked()

	if m.bus != nil {
		m.bus.PublishTradingToggled(enabled, "operator toggle")
	}
	return true
}

// ManualReset moves the machine to Recovery after operator review. Refused
// when the minimum review period since the last trigger has not elapsed.
func (m *Machine) ManualReset(operatorID, notes string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	review := time.Duration(m.cfg.ReviewPeriodMins) * time.Minute
	if elapsed := time.Since(m.lastTriggerAt); elapsed < review {
		m.logger.Warn().
			Str("operator", operatorID).
			Dur("elapsed", elapsed).
			Dur("required", review).
			Msg("manual reset refused: review period not elapsed")
		return false
	}

	if !m.transitionLocked(StateRecovery, "manual reset by "+operatorID) {
		return false
	}

	m.failureCount = 0
	m.appendHistoryLocked(HistoryEntry{
		ID:        uuid.New().String(),
		Kind:      "manual_reset",
		Severity:  m.severity,
		Reason:    notes,
		Timestamp: time.Now(),
	})
	m.persistLocked()

	if m.bus != nil {
		m.bus.PublishManualReset(operatorID, notes)
	}
	return true
}

// Status is a read-only snapshot of the gate for the operator API.
type Status struct {
	State          State     `json:"state"`
	TradingEnabled bool      `json:"trading_enabled"`
	SafeMode       bool      `json:"safe_mode"`
	Severity       Severity  `json:"severity"`
	FailureCount   int       `json:"failure_count"`
	LastTriggerAt  time.Time `json:"last_trigger_at"`
}

// Status returns the current gate state under the lock.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		State:          m.state,
		TradingEnabled: m.tradingEnabled,
		SafeMode:       m.safeMode,
		Severity:       m.severity,
		FailureCount:   m.failureCount,
		LastTriggerAt:  m.lastTriggerAt,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Severity returns the latest evaluated severity.
func (m *Machine) Severity() Severity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.severity
}

// History returns a copy of the bounded audit history.
func (m *Machine) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) appendHistoryLocked(entry HistoryEntry) {
	m.history = append(m.history, entry)
	if limit := m.cfg.HistorySize; limit > 0 && len(m.history) > limit {
		m.history = m.history[len(m.history)-limit:]
	}

	if m.audit != nil {
		go func(e HistoryEntry) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.audit.RecordEvent(ctx, e); err != nil {
				m.logger.Warn().Err(err).Str("entry_id", e.ID).Msg("audit store write failed")
			}
		}(entry)
	}
}

// persistLocked writes the full state synchronously. A failed write is logged
// loudly; the in-memory state remains authoritative for this process.
func (m *Machine) persistLocked() {
	snap := m.capital.Snapshot()
	state := &PersistedState{
		State:          m.state,
		TradingEnabled: m.tradingEnabled,
		SafeMode:       m.safeMode,
		Severity:       m.severity,
		FailureCount:   m.failureCount,
		Capital: CapitalState{
			Base:        snap.InitialCapital,
			Current:     snap.CurrentBalance,
			Peak:        snap.PeakBalance,
			DrawdownPct: snap.DrawdownPct,
		},
		History:       m.history,
		LastTriggerAt: m.lastTriggerAt,
		UpdatedAt:     time.Now(),
	}

	if err := m.store.Save(state); err != nil {
		m.logger.Error().Err(err).Msg("state persistence failed")
	}
}
