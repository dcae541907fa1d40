// Package core wires the capital-safety components into one explicit context
// object handed to collaborators at construction time. There is no global
// state: the process creates one Core at startup and tears it down at
// shutdown.
package core

import (
	"capguard/config"
	"capguard/internal/capital"
	"capguard/internal/events"
	"capguard/internal/position"
	"capguard/internal/risk"
	"capguard/internal/safety"
	"capguard/internal/tier"

	"github.com/rs/zerolog"
)

// Core is the inbound surface for broker and position-tracking collaborators.
type Core struct {
	cfg *config.Config

	Capital    *capital.Store
	Machine    *safety.Machine
	Evaluator  *safety.Evaluator
	Pipeline   *risk.Pipeline
	Classifier *tier.Classifier
	Enforcer   *position.Enforcer
	Bus        *events.EventBus

	logger zerolog.Logger
}

// New builds the control plane from validated configuration and persisted
// state.
func New(cfg *config.Config, store safety.Persister, bus *events.EventBus, logger zerolog.Logger) (*Core, error) {
	evaluator, err := safety.NewEvaluator(cfg.TriggerConfig)
	if err != nil {
		return nil, err
	}

	capitalStore := capital.NewStore(cfg.SafetyConfig.InitialCapital, 0)
	machine := safety.NewMachine(cfg.SafetyConfig, capitalStore, store, bus, logger)
	classifier := tier.NewClassifier(cfg.TierConfig, bus, logger)

	return &Core{
		cfg:        cfg,
		Capital:    capitalStore,
		Machine:    machine,
		Evaluator:  evaluator,
		Pipeline:   risk.NewPipeline(cfg.PipelineConfig, logger),
		Classifier: classifier,
		Enforcer:   position.NewEnforcer(logger),
		Bus:        bus,
		logger:     logger.With().Str("component", "Core").Logger(),
	}, nil
}

// ReportBalance records a balance update, reclassifies the tier, re-evaluates
// the safety severity, and lets the state machine react.
func (c *Core) ReportBalance(balance float64) {
	snap := c.Capital.ReportBalance(balance)

	if c.Bus != nil {
		c.Bus.PublishBalanceUpdate(snap.CurrentBalance, snap.PeakBalance, snap.DrawdownPct)
	}

	c.Classifier.Update(balance)

	trigger := c.Evaluator.Evaluate(snap)
	c.Machine.ApplyTrigger(trigger)
}

// ReportPositions records the latest open-position snapshot and re-evaluates
// the safety severity, since position count feeds the trigger matrix.
func (c *Core) ReportPositions(positions []capital.PositionRecord) {
	c.Capital.ReportPositions(positions)

	trigger := c.Evaluator.Evaluate(c.Capital.Snapshot())
	c.Machine.ApplyTrigger(trigger)
}

// ReportTradeFailure forwards a collaborator failure to the state machine.
func (c *Core) ReportTradeFailure(kind, detail string) {
	c.Machine.RecordFailure(kind, detail)
}

// RequestCanTrade answers whether the operation is currently permitted. A
// false answer is a hard stop for the cycle, not an error to retry.
func (c *Core) RequestCanTrade(op safety.Operation) (bool, string) {
	return c.Machine.CanTrade(op)
}

// RequestOrderSize runs the risk-adjustment pipeline against the requested
// size, filling in capital and tier context the collaborator does not track.
func (c *Core) RequestOrderSize(baseSize float64, ctx risk.MarketContext) risk.Result {
	snap := c.Capital.Snapshot()
	ctx.CurrentBalance = snap.CurrentBalance
	ctx.PeakBalance = snap.PeakBalance
	ctx.DrawdownPct = snap.DrawdownPct

	profile := c.Classifier.Current()
	if ctx.VolatilityCap <= 0 {
		ctx.VolatilityCap = profile.VolatilityCap
	}
	if ctx.MinVolumeUSD <= 0 {
		ctx.MinVolumeUSD = c.cfg.PipelineConfig.LiquidityMinVolumeUSD * profile.LiquidityVolumeMultiple
	}

	return c.Pipeline.Calculate(baseSize, ctx)
}

// EnforcePositions runs one cap-enforcement pass over the reported positions
// and returns the selection for the broker collaborator to execute.
func (c *Core) EnforcePositions(positions []capital.PositionRecord) position.Selection {
	c.Capital.ReportPositions(positions)
	return c.Enforcer.Enforce(positions, c.cfg.PositionConfig.MaxPositions, c.cfg.PositionConfig.DustThresholdUSD)
}

// ManualReset forwards an operator reset request.
func (c *Core) ManualReset(operatorID, notes string) bool {
	return c.Machine.ManualReset(operatorID, notes)
}

// StatusReport is the aggregate view served to operators.
type StatusReport struct {
	Safety     safety.Status      `json:"safety"`
	Capital    capital.Snapshot   `json:"capital"`
	Tier       string             `json:"tier"`
	Milestones []float64          `json:"milestones_reached"`
}

// Status collects the current view of the whole plane.
func (c *Core) Status() StatusReport {
	return StatusReport{
		Safety:     c.Machine.Status(),
		Capital:    c.Capital.Snapshot(),
		Tier:       c.Classifier.Current().Name,
		Milestones: c.Classifier.ReachedMilestones(),
	}
}
