// Package risk converts a requested order size into an approved size through
// an ordered, short-circuiting sequence of adjustment stages. Stage order is
// load-bearing: capital preservation dominates everything and runs first; the
// liquidity gate is the only other hard reject and runs last.
package risk

import (
	"fmt"

	"capguard/config"

	"github.com/rs/zerolog"
)

// Stage names as they appear in applied-factor lists and logs.
const (
	StagePreservation = "capital_preservation"
	StageDrawdown     = "drawdown_throttle"
	StageCorrelation  = "correlation_compression"
	StagePerformance  = "performance_scaling"
	StageVolatility   = "volatility_adjustment"
	StageLiquidity    = "liquidity_gate"
)

// Pipeline applies the configured adjustment stages in order.
type Pipeline struct {
	cfg    config.PipelineConfig
	logger zerolog.Logger
}

func NewPipeline(cfg config.PipelineConfig, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		logger: logger.With().Str("component", "RiskPipeline").Logger(),
	}
}

// Calculate runs every stage against the base size. Multipliers compose
// multiplicatively; the preservation check and the liquidity gate
// short-circuit instead.
func (p *Pipeline) Calculate(baseSize float64, ctx MarketContext) Result {
	if baseSize <= 0 {
		return Result{Rejected: true, Reason: "base size must be positive"}
	}

	// Stage 1: capital preservation. Nothing later may override this.
	if factor, triggered := p.preservation(ctx); triggered {
		p.logger.Warn().
			Float64("drawdown_pct", ctx.DrawdownPct*100).
			Float64("balance", ctx.CurrentBalance).
			Float64("peak", ctx.PeakBalance).
			Msg("preservation override: size forced to zero")
		return Result{
			ApprovedSize: 0,
			Factors:      []Factor{factor},
			Reason:       "preservation override",
		}
	}

	size := baseSize
	factors := make([]Factor, 0, 5)

	apply := func(f Factor) {
		factors = append(factors, f)
		size *= f.Multiplier
	}

	apply(p.drawdownThrottle(ctx))
	apply(p.correlationCompression(ctx))
	apply(p.performanceScaling(ctx))
	apply(p.volatilityAdjustment(ctx))

	// Stage 6: liquidity gate, the only hard reject besides preservation.
	if factor, reason := p.liquidityGate(ctx); reason != "" {
		factors = append(factors, factor)
		p.logger.Warn().Str("reason", reason).Msg("liquidity gate rejected order")
		return Result{
			Factors:  factors,
			Rejected: true,
			Reason:   reason,
		}
	}

	if size < 0 {
		size = 0
	}

	p.logger.Debug().
		Float64("base_size", baseSize).
		Float64("approved_size", size).
		Int("stages", len(factors)).
		Msg("order size calculated")

	return Result{ApprovedSize: size, Factors: factors}
}

func (p *Pipeline) preservation(ctx MarketContext) (Factor, bool) {
	drawdownPct := ctx.DrawdownPct * 100
	floorBreached := ctx.PeakBalance > 0 && ctx.CurrentBalance <= ctx.PeakBalance*p.cfg.PreservationFloorPct

	if drawdownPct >= p.cfg.PreservationDrawdownPct || floorBreached {
		return Factor{Stage: StagePreservation, Multiplier: 0, ShortCircuit: true}, true
	}
	return Factor{}, false
}

// drawdownThrottle maps current drawdown onto the configured factor ladder:
// the last threshold at or below the drawdown selects the factor.
func (p *Pipeline) drawdownThrottle(ctx MarketContext) Factor {
	drawdownPct := ctx.DrawdownPct * 100
	factor := p.cfg.ThrottleFactors[0]
	for i, threshold := range p.cfg.ThrottleThresholds {
		if drawdownPct >= threshold {
			factor = p.cfg.ThrottleFactors[i]
		}
	}
	return Factor{Stage: StageDrawdown, Multiplier: factor}
}

// correlationCompression linearly shrinks size toward the configured floor as
// average portfolio correlation rises past the threshold.
func (p *Pipeline) correlationCompression(ctx MarketContext) Factor {
	threshold := p.cfg.CorrelationThreshold
	if ctx.AvgCorrelation <= threshold || threshold >= 1 {
		return Factor{Stage: StageCorrelation, Multiplier: 1.0}
	}

	excess := (ctx.AvgCorrelation - threshold) / (1 - threshold)
	if excess > 1 {
		excess = 1
	}
	multiplier := 1 - excess*(1-p.cfg.CorrelationFloor)
	if multiplier < p.cfg.CorrelationFloor {
		multiplier = p.cfg.CorrelationFloor
	}
	return Factor{Stage: StageCorrelation, Multiplier: multiplier}
}

// performanceScaling scales up for trailing returns above the strong band and
// down below the weak band. Inside the band the size passes through.
func (p *Pipeline) performanceScaling(ctx MarketContext) Factor {
	ret := ctx.TrailingReturnPct
	cfg := p.cfg

	switch {
	case ret > cfg.PerformanceStrongPct && cfg.PerformanceStrongPct > 0:
		excess := (ret - cfg.PerformanceStrongPct) / cfg.PerformanceStrongPct
		if excess > 1 {
			excess = 1
		}
		return Factor{Stage: StagePerformance, Multiplier: 1 + excess*(cfg.PerformanceMaxScale-1)}
	case ret < cfg.PerformanceWeakPct && cfg.PerformanceWeakPct < 0:
		shortfall := (cfg.PerformanceWeakPct - ret) / -cfg.PerformanceWeakPct
		if shortfall > 1 {
			shortfall = 1
		}
		return Factor{Stage: StagePerformance, Multiplier: 1 - shortfall*(1-cfg.PerformanceMinScale)}
	default:
		return Factor{Stage: StagePerformance, Multiplier: 1.0}
	}
}

// volatilityAdjustment inversely scales size against the tier volatility cap:
// an instrument at its cap passes 1.0, calmer markets scale up, hotter ones
// scale down, clamped to the configured bounds.
func (p *Pipeline) volatilityAdjustment(ctx MarketContext) Factor {
	if ctx.Volatility <= 0 || ctx.VolatilityCap <= 0 {
		return Factor{Stage: StageVolatility, Multiplier: 1.0}
	}

	multiplier := ctx.VolatilityCap / ctx.Volatility
	if multiplier > p.cfg.VolatilityMaxScale {
		multiplier = p.cfg.VolatilityMaxScale
	}
	if multiplier < p.cfg.VolatilityMinScale {
		multiplier = p.cfg.VolatilityMinScale
	}
	return Factor{Stage: StageVolatility, Multiplier: multiplier}
}

// liquidityGate rejects outright on thin or collapsing volume. Returns an
// empty reason when the order passes.
func (p *Pipeline) liquidityGate(ctx MarketContext) (Factor, string) {
	minVolume := ctx.MinVolumeUSD
	if minVolume <= 0 {
		minVolume = p.cfg.LiquidityMinVolumeUSD
	}

	if ctx.Volume24hUSD < minVolume {
		return Factor{Stage: StageLiquidity, Multiplier: 0, ShortCircuit: true},
			fmt.Sprintf("24h volume %.0f below minimum %.0f", ctx.Volume24hUSD, minVolume)
	}

	if ctx.TrailingVolumeUSD > 0 && ctx.Volume24hUSD < ctx.TrailingVolumeUSD*p.cfg.LiquidityDropRatio {
		return Factor{Stage: StageLiquidity, Multiplier: 0, ShortCircuit: true},
			fmt.Sprintf("volume %.0f dropped below %.0f%% of trailing average %.0f",
				ctx.Volume24hUSD, p.cfg.LiquidityDropRatio*100, ctx.TrailingVolumeUSD)
	}

	return Factor{Stage: StageLiquidity, Multiplier: 1.0}, ""
}
