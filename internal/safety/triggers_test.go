package safety

import (
	"testing"

	"capguard/config"
	"capguard/internal/capital"
)

func defaultEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(config.Default().TriggerConfig)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return e
}

// TestEvaluateMatrix walks the default rule table from healthy to critical
func TestEvaluateMatrix(t *testing.T) {
	e := defaultEvaluator(t)

	cases := []struct {
		name     string
		snap     capital.Snapshot
		expected Severity
	}{
		{
			name: "healthy account",
			snap: capital.Snapshot{
				CurrentBalance: 950, PeakBalance: 1000, InitialCapital: 1000,
				DrawdownPct: 0.05, PositionCount: 3,
			},
			expected: SeveritySafe,
		},
		{
			name: "mild loss",
			snap: capital.Snapshot{
				CurrentBalance: 800, PeakBalance: 1000, InitialCapital: 1000,
				DrawdownPct: 0.15, PositionCount: 5,
			},
			expected: SeverityCaution,
		},
		{
			name: "too many positions drops out of safe",
			snap: capital.Snapshot{
				CurrentBalance: 950, PeakBalance: 1000, InitialCapital: 1000,
				DrawdownPct: 0.05, PositionCount: 16,
			},
			expected: SeverityCritical, // nothing matches: worst severity applies
		},
		{
			name: "deep loss",
			snap: capital.Snapshot{
				CurrentBalance: 250, PeakBalance: 1000, InitialCapital: 1000,
				DrawdownPct: 0.45, PositionCount: 3,
			},
			expected: SeverityCritical,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trigger := e.Evaluate(tc.snap)
			if trigger.Severity != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, trigger.Severity)
			}
			if trigger.ID == "" {
				t.Error("Expected a trigger ID")
			}
			if trigger.Measured["balance_retained_pct"] != tc.snap.RetainedPct() {
				t.Errorf("Measured retained %.2f does not match snapshot %.2f",
					trigger.Measured["balance_retained_pct"], tc.snap.RetainedPct())
			}
		})
	}
}

// TestHardOverrides verifies overrides escalate past a lenient matrix match
func TestHardOverrides(t *testing.T) {
	cfg := config.TriggerConfig{
		Rules: []config.TriggerRule{
			{MinBalanceRetainedPct: 90, MaxPositionCount: 15, MaxDrawdownPct: 10, Severity: "safe"},
			{MinBalanceRetainedPct: 0, MaxPositionCount: 15, MaxDrawdownPct: 100, Severity: "caution"},
		},
		DangerRetainedPct:   50,
		CriticalRetainedPct: 30,
		CriticalDrawdownPct: 40,
	}
	e, err := NewEvaluator(cfg)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	// Retained below 50% escalates to at least Danger
	trigger := e.Evaluate(capital.Snapshot{
		CurrentBalance: 450, PeakBalance: 1000, InitialCapital: 1000,
		DrawdownPct: 0.10, PositionCount: 2,
	})
	if trigger.Severity != SeverityDanger {
		t.Errorf("Expected danger, got %s", trigger.Severity)
	}
	if trigger.Type != "retained_override" {
		t.Errorf("Expected retained_override, got %s", trigger.Type)
	}

	// Retained below 30% escalates to Critical
	trigger = e.Evaluate(capital.Snapshot{
		CurrentBalance: 250, PeakBalance: 1000, InitialCapital: 1000,
		DrawdownPct: 0.10, PositionCount: 2,
	})
	if trigger.Severity != SeverityCritical {
		t.Errorf("Expected critical, got %s", trigger.Severity)
	}

	// Drawdown above 40% escalates to Critical regardless of retained balance
	trigger = e.Evaluate(capital.Snapshot{
		CurrentBalance: 800, PeakBalance: 1500, InitialCapital: 1000,
		DrawdownPct: 0.45, PositionCount: 2,
	})
	if trigger.Severity != SeverityCritical {
		t.Errorf("Expected critical, got %s", trigger.Severity)
	}
	if trigger.Type != "drawdown_override" {
		t.Errorf("Expected drawdown_override, got %s", trigger.Type)
	}
}

// TestEvaluateRejectsUnknownSeverity verifies constructor validation
func TestEvaluateRejectsUnknownSeverity(t *testing.T) {
	_, err := NewEvaluator(config.TriggerConfig{
		Rules: []config.TriggerRule{{MinBalanceRetainedPct: 0, MaxPositionCount: 5, MaxDrawdownPct: 100, Severity: "apocalyptic"}},
	})
	if err == nil {
		t.Error("Expected error for unknown severity name")
	}
}

// TestUnknownInitialCapital treats retained as 100% until a baseline exists
func TestUnknownInitialCapital(t *testing.T) {
	e := defaultEvaluator(t)

	trigger := e.Evaluate(capital.Snapshot{
		CurrentBalance: 100, PeakBalance: 100, InitialCapital: 0,
		DrawdownPct: 0, PositionCount: 0,
	})
	if trigger.Severity != SeveritySafe {
		t.Errorf("Expected safe with unknown baseline, got %s", trigger.Severity)
	}
}
