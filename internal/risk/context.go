package risk

// MarketContext carries the live inputs a sizing decision needs. All values
// are fed in by external collaborators; the pipeline does no I/O.
type MarketContext struct {
	// Capital
	CurrentBalance float64
	PeakBalance    float64
	DrawdownPct    float64 // 0..1

	// Portfolio
	AvgCorrelation float64 // portfolio average pairwise correlation, 0..1
	TrailingReturnPct float64 // trailing performance, percent

	// Instrument
	Volatility       float64 // current realized volatility, e.g. daily sigma
	VolatilityCap    float64 // tier-specific volatility ceiling
	Volume24hUSD     float64 // instrument 24h volume
	TrailingVolumeUSD float64 // trailing average volume
	MinVolumeUSD     float64 // tier-scaled minimum acceptable 24h volume
}

// Factor records one stage's contribution to the final size.
type Factor struct {
	Stage        string  `json:"stage"`
	Multiplier   float64 `json:"multiplier"`
	ShortCircuit bool    `json:"short_circuit"`
}

// Result is the pipeline outcome for one requested order size.
type Result struct {
	ApprovedSize float64  `json:"approved_size"`
	Factors      []Factor `json:"applied_factors"`
	Rejected     bool     `json:"rejected"`
	Reason       string   `json:"reason"`
}
