package risk

import (
	"math"
	"strings"
	"testing"

	"capguard/config"

	"github.com/rs/zerolog"
)

func testPipeline() *Pipeline {
	return NewPipeline(config.Default().PipelineConfig, zerolog.Nop())
}

// neutralContext passes every stage at multiplier 1.0.
func neutralContext() MarketContext {
	return MarketContext{
		CurrentBalance:    1000,
		PeakBalance:       1000,
		DrawdownPct:       0,
		AvgCorrelation:    0.3,
		TrailingReturnPct: 2,
		Volatility:        0.06,
		VolatilityCap:     0.06,
		Volume24hUSD:      500000,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// TestNeutralPassThrough verifies the base size survives a calm market
func TestNeutralPassThrough(t *testing.T) {
	result := testPipeline().Calculate(1000, neutralContext())

	if result.Rejected {
		t.Fatalf("Unexpected rejection: %s", result.Reason)
	}
	if !almostEqual(result.ApprovedSize, 1000) {
		t.Errorf("Expected 1000, got %f", result.ApprovedSize)
	}
	if len(result.Factors) != 4 {
		t.Errorf("Expected 4 applied factors, got %d", len(result.Factors))
	}
}

// TestPreservationOverride verifies deep drawdown forces the size to zero
func TestPreservationOverride(t *testing.T) {
	ctx := neutralContext()
	ctx.DrawdownPct = 0.26
	ctx.CurrentBalance = 740
	ctx.PeakBalance = 1000

	result := testPipeline().Calculate(1000, ctx)

	if result.Rejected {
		t.Error("Preservation must not mark the result rejected")
	}
	if result.ApprovedSize != 0 {
		t.Errorf("Expected exactly 0, got %f", result.ApprovedSize)
	}
	if result.Reason != "preservation override" {
		t.Errorf("Expected preservation override reason, got %q", result.Reason)
	}
	if len(result.Factors) != 1 || result.Factors[0].Stage != StagePreservation {
		t.Errorf("Expected a single preservation factor, got %+v", result.Factors)
	}
}

// TestPreservationFloor verifies the balance floor also short-circuits
func TestPreservationFloor(t *testing.T) {
	ctx := neutralContext()
	ctx.CurrentBalance = 690 // below 70% of peak
	ctx.PeakBalance = 1000
	ctx.DrawdownPct = 0.20 // below the drawdown cut on its own

	result := testPipeline().Calculate(1000, ctx)
	if result.ApprovedSize != 0 || result.Reason != "preservation override" {
		t.Errorf("Expected preservation override, got size=%f reason=%q", result.ApprovedSize, result.Reason)
	}
}

// TestMultiplierComposition verifies stages compose multiplicatively
func TestMultiplierComposition(t *testing.T) {
	ctx := neutralContext()
	ctx.DrawdownPct = 0.06 // throttle band 5-10% -> 0.75
	ctx.CurrentBalance = 940
	ctx.TrailingReturnPct = 14 // (14-10)/10 = 0.4 excess -> 1 + 0.4*0.5 = 1.2

	result := testPipeline().Calculate(1000, ctx)

	if result.Rejected {
		t.Fatalf("Unexpected rejection: %s", result.Reason)
	}
	// 1000 * 0.75 * 1.0 * 1.2 * 1.0 = 900
	if !almostEqual(result.ApprovedSize, 900) {
		t.Errorf("Expected 900, got %f", result.ApprovedSize)
	}
}

// TestDrawdownThrottleBands walks the configured factor ladder
func TestDrawdownThrottleBands(t *testing.T) {
	p := testPipeline()

	cases := []struct {
		drawdown float64
		factor   float64
	}{
		{0.00, 1.0},
		{0.04, 1.0},
		{0.05, 0.75},
		{0.09, 0.75},
		{0.10, 0.5},
		{0.15, 0.25},
		{0.20, 0.0},
	}

	for _, tc := range cases {
		f := p.drawdownThrottle(MarketContext{DrawdownPct: tc.drawdown})
		if !almostEqual(f.Multiplier, tc.factor) {
			t.Errorf("Drawdown %.0f%%: expected %.2f, got %.2f", tc.drawdown*100, tc.factor, f.Multiplier)
		}
	}
}

// TestCorrelationCompression verifies the linear squeeze toward the floor
func TestCorrelationCompression(t *testing.T) {
	p := testPipeline()

	if f := p.correlationCompression(MarketContext{AvgCorrelation: 0.5}); !almostEqual(f.Multiplier, 1.0) {
		t.Errorf("Below threshold expected 1.0, got %f", f.Multiplier)
	}

	// (0.85-0.7)/(1-0.7) = 0.5 excess -> 1 - 0.5*(1-0.5) = 0.75
	if f := p.correlationCompression(MarketContext{AvgCorrelation: 0.85}); !almostEqual(f.Multiplier, 0.75) {
		t.Errorf("Expected 0.75, got %f", f.Multiplier)
	}

	// Fully correlated portfolio bottoms out at the floor
	if f := p.correlationCompression(MarketContext{AvgCorrelation: 1.0}); !almostEqual(f.Multiplier, 0.5) {
		t.Errorf("Expected floor 0.5, got %f", f.Multiplier)
	}
}

// TestPerformanceScaling verifies both bands and the pass-through middle
func TestPerformanceScaling(t *testing.T) {
	p := testPipeline()

	if f := p.performanceScaling(MarketContext{TrailingReturnPct: 3}); !almostEqual(f.Multiplier, 1.0) {
		t.Errorf("In-band return expected 1.0, got %f", f.Multiplier)
	}

	// Cap: returns far above the strong band clamp to the max scale
	if f := p.performanceScaling(MarketContext{TrailingReturnPct: 50}); !almostEqual(f.Multiplier, 1.5) {
		t.Errorf("Expected max scale 1.5, got %f", f.Multiplier)
	}

	// shortfall = (-5 - -10)/5 = 1 -> clamps to the min scale
	if f := p.performanceScaling(MarketContext{TrailingReturnPct: -10}); !almostEqual(f.Multiplier, 0.5) {
		t.Errorf("Expected min scale 0.5, got %f", f.Multiplier)
	}
}

// TestVolatilityAdjustment verifies the inverse scaling against the cap
func TestVolatilityAdjustment(t *testing.T) {
	p := testPipeline()

	if f := p.volatilityAdjustment(MarketContext{Volatility: 0.06, VolatilityCap: 0.06}); !almostEqual(f.Multiplier, 1.0) {
		t.Errorf("At cap expected 1.0, got %f", f.Multiplier)
	}

	// Calm market scales up, clamped at the configured ceiling
	if f := p.volatilityAdjustment(MarketContext{Volatility: 0.01, VolatilityCap: 0.06}); !almostEqual(f.Multiplier, 1.5) {
		t.Errorf("Expected ceiling 1.5, got %f", f.Multiplier)
	}

	if f := p.volatilityAdjustment(MarketContext{Volatility: 0.30, VolatilityCap: 0.06}); !almostEqual(f.Multiplier, 0.5) {
		t.Errorf("Expected floor 0.5, got %f", f.Multiplier)
	}

	// Unknown volatility passes through rather than guessing
	if f := p.volatilityAdjustment(MarketContext{Volatility: 0, VolatilityCap: 0.06}); !almostEqual(f.Multiplier, 1.0) {
		t.Errorf("Expected 1.0 on unknown volatility, got %f", f.Multiplier)
	}
}

// TestLiquidityGateRejects verifies thin and collapsing volume hard-reject
func TestLiquidityGateRejects(t *testing.T) {
	ctx := neutralContext()
	ctx.Volume24hUSD = 50000

	result := testPipeline().Calculate(1000, ctx)
	if !result.Rejected {
		t.Fatal("Expected rejection on thin volume")
	}
	if !strings.Contains(result.Reason, "below minimum") {
		t.Errorf("Unexpected reason: %q", result.Reason)
	}

	// Volume collapse relative to the trailing average
	ctx = neutralContext()
	ctx.Volume24hUSD = 200000
	ctx.TrailingVolumeUSD = 600000 // 200k < 50% of 600k

	result = testPipeline().Calculate(1000, ctx)
	if !result.Rejected {
		t.Fatal("Expected rejection on collapsing volume")
	}
	if !strings.Contains(result.Reason, "trailing average") {
		t.Errorf("Unexpected reason: %q", result.Reason)
	}
}

// TestTierScaledVolumeFloor verifies the per-request minimum wins when set
func TestTierScaledVolumeFloor(t *testing.T) {
	ctx := neutralContext()
	ctx.Volume24hUSD = 300000
	ctx.MinVolumeUSD = 500000 // higher-tier floor

	result := testPipeline().Calculate(1000, ctx)
	if !result.Rejected {
		t.Error("Expected rejection against the tier-scaled floor")
	}
}

// TestNonPositiveBaseSize verifies the guard on the requested size
func TestNonPositiveBaseSize(t *testing.T) {
	for _, base := range []float64{0, -100} {
		result := testPipeline().Calculate(base, neutralContext())
		if !result.Rejected {
			t.Errorf("Expected rejection for base size %f", base)
		}
	}
}
