package safety

import (
	"errors"
	"testing"
	"time"

	"capguard/config"
	"capguard/internal/capital"

	"github.com/rs/zerolog"
)

// memPersister keeps state in memory for tests.
type memPersister struct {
	saved *PersistedState
	fail  bool
}

func (m *memPersister) Load() (*PersistedState, error) {
	if m.saved == nil {
		return DefaultPersistedState(), errors.New("no persisted state")
	}
	return m.saved, nil
}

func (m *memPersister) Save(s *PersistedState) error {
	if m.fail {
		return errors.New("disk full")
	}
	copied := *s
	m.saved = &copied
	return nil
}

func testSafetyConfig() config.SafetyConfig {
	return config.SafetyConfig{
		DegradedFailures:  2,
		SafeModeFailures:  5,
		EmergencyFailures: 10,
		ReviewPeriodMins:  60,
		HistorySize:       50,
	}
}

func newTestMachine(t *testing.T, cfg config.SafetyConfig) (*Machine, *memPersister) {
	t.Helper()
	store := &memPersister{}
	m := NewMachine(cfg, capital.NewStore(1000, 0), store, nil, zerolog.Nop())
	return m, store
}

// TestInitialState verifies the safe default after a cold start
func TestInitialState(t *testing.T) {
	m, _ := newTestMachine(t, testSafetyConfig())

	if m.State() != StateNormal {
		t.Errorf("Expected normal, got %s", m.State())
	}

	status := m.Status()
	if status.TradingEnabled {
		t.Error("Trading must start disabled without trusted persisted state")
	}
}

// TestTransitionRejectsInvalidEdge verifies state is unchanged on rejection
func TestTransitionRejectsInvalidEdge(t *testing.T) {
	m, _ := newTestMachine(t, testSafetyConfig())

	if m.TransitionTo(StateRecovery, "test") {
		t.Error("normal -> recovery must be rejected")
	}
	if m.State() != StateNormal {
		t.Errorf("State changed despite rejection: %s", m.State())
	}
}

// TestSafeModeForcesTradingOff verifies the trading flag across safe states
func TestSafeModeForcesTradingOff(t *testing.T) {
	m, _ := newTestMachine(t, testSafetyConfig())

	if !m.EnableTrading() {
		t.Fatal("EnableTrading failed in normal state")
	}

	if !m.TransitionTo(StateSafeMode, "test") {
		t.Fatal("normal -> safe_mode should be allowed")
	}

	status := m.Status()
	if status.TradingEnabled {
		t.Error("Trading must be forced off in safe_mode")
	}
	if !status.SafeMode {
		t.Error("SafeMode flag not set")
	}

	// Toggling the flag is refused while in safe_mode
	if m.EnableTrading() {
		t.Error("EnableTrading must be refused in safe_mode")
	}
	if m.DisableTrading() {
		t.Error("DisableTrading must be refused in safe_mode")
	}
}

// TestFailureThresholds verifies the 2/5/10 downgrade ladder
func TestFailureThresholds(t *testing.T) {
	m, _ := newTestMachine(t, testSafetyConfig())

	m.RecordFailure("order", "timeout")
	if m.State() != StateNormal {
		t.Errorf("After 1 failure expected normal, got %s", m.State())
	}

	m.RecordFailure("order", "timeout")
	if m.State() != StateDegraded {
		t.Errorf("After 2 failures expected degraded, got %s", m.State())
	}

	m.RecordFailure("order", "timeout")
	m.RecordFailure("order", "timeout")
	if m.State() != StateDegraded {
		t.Errorf("After 4 failures expected degraded, got %s", m.State())
	}

	m.RecordFailure("order", "timeout")
	if m.State() != StateSafeMode {
		t.Errorf("After 5 failures expected safe_mode, got %s", m.State())
	}

	for i := 0; i < 4; i++ {
		m.RecordFailure("order", "timeout")
	}
	if m.State() != StateSafeMode {
		t.Errorf("After 9 failures expected safe_mode, got %s", m.State())
	}

	m.RecordFailure("order", "timeout")
	if m.State() != StateEmergencyHalt {
		t.Errorf("After 10 failures expected emergency_halt, got %s", m.State())
	}
}

// TestApplyTriggerSeverityMapping walks severity changes through the machine
func TestApplyTriggerSeverityMapping(t *testing.T) {
	m, _ := newTestMachine(t, testSafetyConfig())

	m.ApplyTrigger(Trigger{ID: "t1", Type: "matrix", Severity: SeverityWarning, Timestamp: time.Now()})
	if m.State() != StateDegraded {
		t.Errorf("warning from normal: expected degraded, got %s", m.State())
	}

	// Improvement closes the loop back to normal
	m.ApplyTrigger(Trigger{ID: "t2", Type: "matrix", Severity: SeverityCaution, Timestamp: time.Now()})
	if m.State() != StateNormal {
		t.Errorf("caution from degraded: expected normal, got %s", m.State())
	}

	m.ApplyTrigger(Trigger{ID: "t3", Type: "retained_override", Severity: SeverityDanger, Timestamp: time.Now()})
	if m.State() != StateSafeMode {
		t.Errorf("danger: expected safe_mode, got %s", m.State())
	}

	m.ApplyTrigger(Trigger{ID: "t4", Type: "drawdown_override", Severity: SeverityCritical, Timestamp: time.Now()})
	if m.State() != StateEmergencyHalt {
		t.Errorf("critical: expected emergency_halt, got %s", m.State())
	}

	// Improvement does not leave emergency_halt without an operator
	m.ApplyTrigger(Trigger{ID: "t5", Type: "matrix", Severity: SeveritySafe, Timestamp: time.Now()})
	if m.State() != StateEmergencyHalt {
		t.Errorf("Emergency halt must persist until manual reset, got %s", m.State())
	}
}

// TestApplyTriggerSameSeverityNoTransition verifies only changes drive edges
func TestApplyTriggerSameSeverityNoTransition(t *testing.T) {
	m, _ := newTestMachine(t, testSafetyConfig())

	m.ApplyTrigger(Trigger{ID: "t1", Type: "matrix", Severity: SeverityWarning, Timestamp: time.Now()})
	if m.State() != StateDegraded {
		t.Fatalf("Expected degraded, got %s", m.State())
	}

	m.ApplyTrigger(Trigger{ID: "t2", Type: "matrix", Severity: SeverityWarning, Timestamp: time.Now()})
	if m.State() != StateDegraded {
		t.Errorf("Repeated warning must not move state, got %s", m.State())
	}
}

// TestCanTrade covers the gate across states and operations
func TestCanTrade(t *testing.T) {
	m, _ := newTestMachine(t, testSafetyConfig())

	// Trading disabled on cold start
	if allowed, _ := m.CanTrade(OpEntry); allowed {
		t.Error("Entry must be blocked while trading is disabled")
	}

	m.EnableTrading()
	if allowed, _ := m.CanTrade(OpEntry); !allowed {
		t.Error("Entry should be allowed in normal with trading enabled")
	}

	// Danger severity blocks entries but not exits
	m.ApplyTrigger(Trigger{ID: "t1", Type: "matrix", Severity: SeverityDanger, Timestamp: time.Now()})
	if m.State() != StateSafeMode {
		t.Fatalf("Expected safe_mode, got %s", m.State())
	}
	if allowed, _ := m.CanTrade(OpEntry); allowed {
		t.Error("Entry must be blocked in safe_mode")
	}
	if allowed, _ := m.CanTrade(OpModify); allowed {
		t.Error("Modify must be blocked in safe_mode")
	}
	if allowed, _ := m.CanTrade(OpExit); !allowed {
		t.Error("Exit must be permitted in safe_mode")
	}

	m.ApplyTrigger(Trigger{ID: "t2", Type: "matrix", Severity: SeverityCritical, Timestamp: time.Now()})
	if allowed, _ := m.CanTrade(OpExit); allowed {
		t.Error("Everything must be blocked in emergency_halt")
	}
}

// TestManualResetReviewPeriod verifies the cooldown before a reset is honored
func TestManualResetReviewPeriod(t *testing.T) {
	m, _ := newTestMachine(t, testSafetyConfig())

	m.ApplyTrigger(Trigger{ID: "t1", Type: "matrix", Severity: SeverityCritical, Timestamp: time.Now()})
	if m.State() != StateEmergencyHalt {
		t.Fatalf("Expected emergency_halt, got %s", m.State())
	}

	// Trigger just fired: reset must be refused
	if m.ManualReset("op-1", "reviewed") {
		t.Error("Reset must be refused inside the review period")
	}
	if m.State() != StateEmergencyHalt {
		t.Errorf("State changed despite refused reset: %s", m.State())
	}
}

// TestManualResetAfterReview verifies the recovery path with no cooldown
func TestManualResetAfterReview(t *testing.T) {
	cfg := testSafetyConfig()
	cfg.ReviewPeriodMins = 0
	m, _ := newTestMachine(t, cfg)

	m.RecordFailure("order", "a")
	m.RecordFailure("order", "b")
	m.RecordFailure("order", "c")
	m.RecordFailure("order", "d")
	m.RecordFailure("order", "e")
	if m.State() != StateSafeMode {
		t.Fatalf("Expected safe_mode, got %s", m.State())
	}

	if !m.ManualReset("op-1", "capital reviewed, resuming") {
		t.Fatal("Reset should succeed with no review period")
	}
	if m.State() != StateRecovery {
		t.Errorf("Expected recovery, got %s", m.State())
	}
	if m.Status().FailureCount != 0 {
		t.Errorf("Failure count not reset: %d", m.Status().FailureCount)
	}
}

// TestHistoryBounded verifies the history never exceeds the configured size
func TestHistoryBounded(t *testing.T) {
	cfg := testSafetyConfig()
	cfg.HistorySize = 5
	cfg.EmergencyFailures = 1000
	cfg.SafeModeFailures = 999
	cfg.DegradedFailures = 998
	m, _ := newTestMachine(t, cfg)

	for i := 0; i < 20; i++ {
		m.RecordFailure("order", "timeout")
	}

	if got := len(m.History()); got != 5 {
		t.Errorf("Expected history of 5, got %d", got)
	}
}

// TestStatePersistedAcrossRestart verifies a second machine resumes the state
func TestStatePersistedAcrossRestart(t *testing.T) {
	store := &memPersister{}
	m := NewMachine(testSafetyConfig(), capital.NewStore(1000, 0), store, nil, zerolog.Nop())

	m.ApplyTrigger(Trigger{ID: "t1", Type: "matrix", Severity: SeverityDanger, Timestamp: time.Now()})
	if m.State() != StateSafeMode {
		t.Fatalf("Expected safe_mode, got %s", m.State())
	}

	restarted := NewMachine(testSafetyConfig(), capital.NewStore(1000, 0), store, nil, zerolog.Nop())
	if restarted.State() != StateSafeMode {
		t.Errorf("Expected restored safe_mode, got %s", restarted.State())
	}
	if restarted.Severity() != SeverityDanger {
		t.Errorf("Expected restored danger severity, got %s", restarted.Severity())
	}
}
