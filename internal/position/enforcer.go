// Package position keeps the portfolio within configured bounds. The enforcer
// only selects positions to close; execution belongs to the broker
// collaborator.
package position

import (
	"sort"

	"capguard/internal/capital"

	"github.com/rs/zerolog"
)

// Selection is the outcome of one enforcement pass.
type Selection struct {
	ToClose   []capital.PositionRecord
	DustCount int // closures selected because of dust
	CapCount  int // closures selected to satisfy the position cap
}

// Enforcer selects which positions to close to bring the portfolio within
// the cap, dust first.
type Enforcer struct {
	logger zerolog.Logger
}

func NewEnforcer(logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		logger: logger.With().Str("component", "PositionEnforcer").Logger(),
	}
}

// Enforce runs the two-phase selection: every dust position is marked for
// closure regardless of the cap, then the smallest remaining positions by
// (usd_value, pnl_pct) ascending fill the excess over maxAllowed. Ties on
// value close the worse performer first. Largest and best-performing
// positions are protected by construction.
func (e *Enforcer) Enforce(positions []capital.PositionRecord, maxAllowed int, dustThresholdUSD float64) Selection {
	var sel Selection
	remaining := make([]capital.PositionRecord, 0, len(positions))

	for _, p := range positions {
		if p.USDValue < dustThresholdUSD {
			sel.ToClose = append(sel.ToClose, p)
			sel.DustCount++
			continue
		}
		remaining = append(remaining, p)
	}

	if excess := len(remaining) - maxAllowed; excess > 0 {
		sort.Slice(remaining, func(i, j int) bool {
			if remaining[i].USDValue != remaining[j].USDValue {
				return remaining[i].USDValue < remaining[j].USDValue
			}
			return remaining[i].PnLPct < remaining[j].PnLPct
		})
		sel.ToClose = append(sel.ToClose, remaining[:excess]...)
		sel.CapCount = excess
	}

	if len(sel.ToClose) > 0 {
		e.logger.Info().
			Int("total", len(positions)).
			Int("dust", sel.DustCount).
			Int("over_cap", sel.CapCount).
			Int("max_allowed", maxAllowed).
			Msg("positions selected for closure")
	}

	return sel
}
