// Package tier maps account balance to a capital tier and tracks milestone
// crossings. Tier intervals are half-open [min, max): a balance sitting
// exactly on a shared boundary belongs to the higher tier, never to both.
package tier

import (
	"sync"

	"capguard/config"
	"capguard/internal/events"

	"github.com/rs/zerolog"
)

// Classifier selects the tier for a balance and emits transition and
// milestone events as the balance moves.
type Classifier struct {
	mu sync.Mutex

	tiers      []config.TierProfile
	milestones []float64

	currentIdx int
	reached    map[float64]bool // milestones fired exactly once for process lifetime

	bus    *events.EventBus
	logger zerolog.Logger
}

func NewClassifier(cfg config.TierConfig, bus *events.EventBus, logger zerolog.Logger) *Classifier {
	return &Classifier{
		tiers:      cfg.Tiers,
		milestones: cfg.Milestones,
		currentIdx: -1,
		reached:    make(map[float64]bool),
		bus:        bus,
		logger:     logger.With().Str("component", "TierClassifier").Logger(),
	}
}

// Classify returns the tier containing the balance. Balances below the lowest
// floor or at/above the highest ceiling clamp to the nearest tier.
func (c *Classifier) Classify(balance float64) config.TierProfile {
	return c.tiers[c.indexFor(balance)]
}

func (c *Classifier) indexFor(balance float64) int {
	if balance < c.tiers[0].MinBalance {
		return 0
	}
	for i, t := range c.tiers {
		if balance >= t.MinBalance && balance < t.MaxBalance {
			return i
		}
	}
	return len(c.tiers) - 1
}

// Update reclassifies after a balance change, emitting a transition event on
// tier change and a milestone event for each newly crossed milestone. A
// milestone fires exactly once: re-crossing it from below after a downgrade
// does not re-fire it.
func (c *Classifier) Update(balance float64) config.TierProfile {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexFor(balance)
	if c.currentIdx >= 0 && idx != c.currentIdx {
		from := c.tiers[c.currentIdx]
		to := c.tiers[idx]
		direction := "upgrade"
		if idx < c.currentIdx {
			direction = "downgrade"
		}

		c.logger.Info().
			Str("from", from.Name).
			Str("to", to.Name).
			Str("direction", direction).
			Float64("balance", balance).
			Msg("capital tier changed")

		if c.bus != nil {
			c.bus.PublishTierChanged(from.Name, to.Name, direction, balance)
		}
	}
	c.currentIdx = idx

	for _, milestone := range c.milestones {
		if balance >= milestone && !c.reached[milestone] {
			c.reached[milestone] = true
			c.logger.Info().
				Float64("milestone", milestone).
				Float64("balance", balance).
				Msg("capital milestone reached")
			if c.bus != nil {
				c.bus.PublishMilestoneReached(milestone, balance)
			}
		}
	}

	return c.tiers[idx]
}

// Current returns the most recently classified tier, or the lowest tier when
// no balance has been seen yet.
func (c *Classifier) Current() config.TierProfile {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentIdx < 0 {
		return c.tiers[0]
	}
	return c.tiers[c.currentIdx]
}

// ReachedMilestones returns the milestones fired so far, in configured order.
func (c *Classifier) ReachedMilestones() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]float64, 0, len(c.reached))
	for _, m := range c.milestones {
		if c.reached[m] {
			out = append(out, m)
		}
	}
	return out
}
