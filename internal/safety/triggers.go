package safety

import (
	"sort"
	"time"

	"capguard/config"
	"capguard/internal/capital"

	"github.com/google/uuid"
)

// Trigger is an immutable record of one severity evaluation. It is consumed
// once by the state machine to drive a transition, then archived to the
// bounded history.
type Trigger struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	Severity  Severity           `json:"severity"`
	Measured  map[string]float64 `json:"measured_values"`
	Timestamp time.Time          `json:"timestamp"`
}

type severityRule struct {
	minRetainedPct float64
	maxPositions   int
	maxDrawdownPct float64
	severity       Severity
}

// Evaluator derives a discrete severity from a capital snapshot using a
// priority-ordered rule matrix plus hard overrides.
type Evaluator struct {
	rules               []severityRule // sorted descending by minRetainedPct
	dangerRetainedPct   float64
	criticalRetainedPct float64
	criticalDrawdownPct float64
}

// NewEvaluator builds an evaluator from validated configuration.
func NewEvaluator(cfg config.TriggerConfig) (*Evaluator, error) {
	rules := make([]severityRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		sev, err := ParseSeverity(r.Severity)
		if err != nil {
			return nil, err
		}
		rules = append(rules, severityRule{
			minRetainedPct: r.MinBalanceRetainedPct,
			maxPositions:   r.MaxPositionCount,
			maxDrawdownPct: r.MaxDrawdownPct,
			severity:       sev,
		})
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].minRetainedPct > rules[j].minRetainedPct
	})

	return &Evaluator{
		rules:               rules,
		dangerRetainedPct:   cfg.DangerRetainedPct,
		criticalRetainedPct: cfg.CriticalRetainedPct,
		criticalDrawdownPct: cfg.CriticalDrawdownPct,
	}, nil
}

// Evaluate derives the current severity and emits the trigger record.
func (e *Evaluator) Evaluate(snap capital.Snapshot) Trigger {
	retained := snap.RetainedPct()
	drawdownPct := snap.DrawdownPct * 100

	severity := e.matchRule(retained, snap.PositionCount, drawdownPct)
	triggerType := "matrix"

	// Hard overrides escalate regardless of the table match
	if retained < e.dangerRetainedPct && severity < SeverityDanger {
		severity = SeverityDanger
		triggerType = "retained_override"
	}
	if retained < e.criticalRetainedPct && severity < SeverityCritical {
		severity = SeverityCritical
		triggerType = "retained_override"
	}
	if drawdownPct > e.criticalDrawdownPct && severity < SeverityCritical {
		severity = SeverityCritical
		triggerType = "drawdown_override"
	}

	return Trigger{
		ID:       uuid.New().String(),
		Type:     triggerType,
		Severity: severity,
		Measured: map[string]float64{
			"balance_retained_pct": retained,
			"drawdown_pct":         drawdownPct,
			"position_count":       float64(snap.PositionCount),
			"current_balance":      snap.CurrentBalance,
			"peak_balance":         snap.PeakBalance,
		},
		Timestamp: time.Now(),
	}
}

// matchRule picks the highest-retained-percentage rule whose thresholds all
// hold. When nothing matches, the worst configured severity applies: capital
// conditions outside the table are by definition not safe.
func (e *Evaluator) matchRule(retained float64, positions int, drawdownPct float64) Severity {
	for _, r := range e.rules {
		if retained >= r.minRetainedPct &&
			positions <= r.maxPositions &&
			drawdownPct <= r.maxDrawdownPct {
			return r.severity
		}
	}

	worst := SeveritySafe
	for _, r := range e.rules {
		if r.severity > worst {
			worst = r.severity
		}
	}
	return worst
}
