package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"
)

type Config struct {
	SafetyConfig      SafetyConfig      `json:"safety"`
	TriggerConfig     TriggerConfig     `json:"triggers"`
	PipelineConfig    PipelineConfig    `json:"pipeline"`
	TierConfig        TierConfig        `json:"tiers"`
	PositionConfig    PositionConfig    `json:"positions"`
	PersistenceConfig PersistenceConfig `json:"persistence"`
	LoggingConfig     LoggingConfig     `json:"logging"`
	ServerConfig      ServerConfig      `json:"server"`
	AuthConfig        AuthConfig        `json:"auth"`
	DatabaseConfig    DatabaseConfig    `json:"database"`
	RedisConfig       RedisConfig       `json:"redis"`
	VaultConfig       VaultConfig       `json:"vault"`
}

// SafetyConfig holds state machine thresholds
type SafetyConfig struct {
	DegradedFailures  int     `json:"degraded_failures"`  // failures before forcing Degraded
	SafeModeFailures  int     `json:"safe_mode_failures"` // failures before forcing SafeMode
	EmergencyFailures int     `json:"emergency_failures"` // failures before forcing EmergencyHalt
	ReviewPeriodMins  int     `json:"review_period_mins"` // min minutes between a trigger and a manual reset
	HistorySize       int     `json:"history_size"`       // bounded audit/trigger history length
	InitialCapital    float64 `json:"initial_capital"`    // baseline for balance-retained %
}

// TriggerRule maps capital conditions to a severity. Rules are evaluated in
// descending MinBalanceRetainedPct order; the first rule whose thresholds all
// hold wins.
type TriggerRule struct {
	MinBalanceRetainedPct float64 `json:"min_balance_retained_pct"`
	MaxPositionCount      int     `json:"max_position_count"`
	MaxDrawdownPct        float64 `json:"max_drawdown_pct"`
	Severity              string  `json:"severity"`
}

// TriggerConfig holds the severity matrix and hard overrides
type TriggerConfig struct {
	Rules               []TriggerRule `json:"rules"`
	DangerRetainedPct   float64       `json:"danger_retained_pct"`   // retained below this => Danger
	CriticalRetainedPct float64       `json:"critical_retained_pct"` // retained below this => Critical
	CriticalDrawdownPct float64       `json:"critical_drawdown_pct"` // drawdown above this => Critical
}

// PipelineConfig holds parameters for every risk-adjustment stage
type PipelineConfig struct {
	PreservationDrawdownPct float64   `json:"preservation_drawdown_pct"` // drawdown at/above this short-circuits to zero
	PreservationFloorPct    float64   `json:"preservation_floor_pct"`    // balance <= peak * this short-circuits to zero
	ThrottleThresholds      []float64 `json:"throttle_thresholds"`       // ascending drawdown cut points
	ThrottleFactors         []float64 `json:"throttle_factors"`          // factor per band, len = thresholds
	CorrelationThreshold    float64   `json:"correlation_threshold"`     // avg correlation above this compresses size
	CorrelationFloor        float64   `json:"correlation_floor"`         // compression floor multiplier
	PerformanceStrongPct    float64   `json:"performance_strong_pct"`    // trailing return above this scales up
	PerformanceWeakPct      float64   `json:"performance_weak_pct"`      // trailing return below this scales down
	PerformanceMaxScale     float64   `json:"performance_max_scale"`
	PerformanceMinScale     float64   `json:"performance_min_scale"`
	VolatilityMaxScale      float64   `json:"volatility_max_scale"`
	VolatilityMinScale      float64   `json:"volatility_min_scale"`
	LiquidityMinVolumeUSD   float64   `json:"liquidity_min_volume_usd"` // base 24h volume floor, scaled per tier
	LiquidityDropRatio      float64   `json:"liquidity_drop_ratio"`     // reject when volume < ratio * trailing avg
}

// TierProfile is one capital bracket. Intervals are half-open: a balance
// belongs to a tier when MinBalance <= balance < MaxBalance.
type TierProfile struct {
	Name                    string  `json:"name"`
	MinBalance              float64 `json:"min_balance"`
	MaxBalance              float64 `json:"max_balance"`
	RiskPerTradeMin         float64 `json:"risk_per_trade_min"`
	RiskPerTradeMax         float64 `json:"risk_per_trade_max"`
	MaxPositionsMin         int     `json:"max_positions_min"`
	MaxPositionsMax         int     `json:"max_positions_max"`
	AggressionLevel         string  `json:"aggression_level"` // "conservative", "moderate", "aggressive"
	VolatilityCap           float64 `json:"volatility_cap"`
	LiquidityVolumeMultiple float64 `json:"liquidity_volume_multiple"`
	DiversificationRequired bool    `json:"diversification_required"`
}

type TierConfig struct {
	Tiers      []TierProfile `json:"tiers"`
	Milestones []float64     `json:"milestones"` // ascending balance milestones, fired once each
}

type PositionConfig struct {
	MaxPositions        int     `json:"max_positions"`
	DustThresholdUSD    float64 `json:"dust_threshold_usd"`
	EnforceIntervalSecs int     `json:"enforce_interval_secs"`
}

type PersistenceConfig struct {
	StatePath string `json:"state_path"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON output vs console writer
	Output     string `json:"output"`      // stdout, stderr, or file path
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type AuthConfig struct {
	Enabled       bool          `json:"enabled"`
	JWTSecret     string        `json:"jwt_secret"`
	TokenDuration time.Duration `json:"token_duration"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile(getEnvOrDefault("CAPGUARD_CONFIG", "config.json"))
	if err != nil {
		// No config file: start from defaults, env can still override
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a complete configuration with the built-in tier table and
// pipeline parameters.
func Default() *Config {
	return &Config{
		SafetyConfig: SafetyConfig{
			DegradedFailures:  2,
			SafeModeFailures:  5,
			EmergencyFailures: 10,
			ReviewPeriodMins:  60,
			HistorySize:       50,
			InitialCapital:    0, // set from first balance report when zero
		},
		TriggerConfig: TriggerConfig{
			Rules: []TriggerRule{
				{MinBalanceRetainedPct: 90, MaxPositionCount: 15, MaxDrawdownPct: 10, Severity: "safe"},
				{MinBalanceRetainedPct: 75, MaxPositionCount: 12, MaxDrawdownPct: 20, Severity: "caution"},
				{MinBalanceRetainedPct: 60, MaxPositionCount: 10, MaxDrawdownPct: 30, Severity: "warning"},
				{MinBalanceRetainedPct: 45, MaxPositionCount: 8, MaxDrawdownPct: 40, Severity: "danger"},
				{MinBalanceRetainedPct: 0, MaxPositionCount: 5, MaxDrawdownPct: 100, Severity: "critical"},
			},
			DangerRetainedPct:   50,
			CriticalRetainedPct: 30,
			CriticalDrawdownPct: 40,
		},
		PipelineConfig: PipelineConfig{
			PreservationDrawdownPct: 25,
			PreservationFloorPct:    0.70,
			ThrottleThresholds:      []float64{0, 5, 10, 15, 20},
			ThrottleFactors:         []float64{1.0, 0.75, 0.5, 0.25, 0.0},
			CorrelationThreshold:    0.7,
			CorrelationFloor:        0.5,
			PerformanceStrongPct:    10,
			PerformanceWeakPct:      -5,
			PerformanceMaxScale:     1.5,
			PerformanceMinScale:     0.5,
			VolatilityMaxScale:      1.5,
			VolatilityMinScale:      0.5,
			LiquidityMinVolumeUSD:   100000,
			LiquidityDropRatio:      0.5,
		},
		TierConfig: TierConfig{
			Tiers: []TierProfile{
				{
					Name: "micro", MinBalance: 50, MaxBalance: 500,
					RiskPerTradeMin: 1.0, RiskPerTradeMax: 2.0,
					MaxPositionsMin: 1, MaxPositionsMax: 3,
					AggressionLevel: "conservative",
					VolatilityCap:   0.08, LiquidityVolumeMultiple: 1.0,
				},
				{
					Name: "small", MinBalance: 500, MaxBalance: 5000,
					RiskPerTradeMin: 1.0, RiskPerTradeMax: 2.5,
					MaxPositionsMin: 2, MaxPositionsMax: 6,
					AggressionLevel: "moderate",
					VolatilityCap:   0.06, LiquidityVolumeMultiple: 2.0,
				},
				{
					Name: "growth", MinBalance: 5000, MaxBalance: 50000,
					RiskPerTradeMin: 0.75, RiskPerTradeMax: 2.0,
					MaxPositionsMin: 4, MaxPositionsMax: 10,
					AggressionLevel: "moderate",
					VolatilityCap:   0.05, LiquidityVolumeMultiple: 5.0,
					DiversificationRequired: true,
				},
				{
					Name: "institutional", MinBalance: 50000, MaxBalance: 250000,
					RiskPerTradeMin: 0.5, RiskPerTradeMax: 1.5,
					MaxPositionsMin: 6, MaxPositionsMax: 15,
					AggressionLevel: "conservative",
					VolatilityCap:   0.04, LiquidityVolumeMultiple: 10.0,
					DiversificationRequired: true,
				},
			},
			Milestones: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 250000},
		},
		PositionConfig: PositionConfig{
			MaxPositions:        8,
			DustThresholdUSD:    10,
			EnforceIntervalSecs: 300,
		},
		PersistenceConfig: PersistenceConfig{
			StatePath: "capguard_state.json",
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
			Output:     "stdout",
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8090,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		AuthConfig: AuthConfig{
			TokenDuration: 12 * time.Hour,
		},
		DatabaseConfig: DatabaseConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "capguard/credentials",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	// Persistence
	cfg.PersistenceConfig.StatePath = getEnvOrDefault("CAPGUARD_STATE_PATH", cfg.PersistenceConfig.StatePath)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	if v := os.Getenv("SERVER_ENABLED"); v != "" {
		cfg.ServerConfig.Enabled = v == "true"
	}

	// Auth - always applied from environment when present
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.AuthConfig.Enabled = v == "true"
	}
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Database
	if v := os.Getenv("DATABASE_ENABLED"); v != "" {
		cfg.DatabaseConfig.Enabled = v == "true"
	}
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
}

// Validate checks the configuration eagerly. A malformed tier table or
// threshold ordering is fatal at startup: trading decisions under an
// unverified configuration are unsafe.
func (c *Config) Validate() error {
	if err := c.validateTiers(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateTriggers(); err != nil {
		return err
	}
	if c.SafetyConfig.DegradedFailures <= 0 ||
		c.SafetyConfig.SafeModeFailures <= c.SafetyConfig.DegradedFailures ||
		c.SafetyConfig.EmergencyFailures <= c.SafetyConfig.SafeModeFailures {
		return fmt.Errorf("config: failure thresholds must be positive and strictly increasing")
	}
	if c.PositionConfig.MaxPositions <= 0 {
		return fmt.Errorf("config: max_positions must be positive")
	}
	if c.PositionConfig.DustThresholdUSD < 0 {
		return fmt.Errorf("config: dust_threshold_usd must not be negative")
	}
	if c.PersistenceConfig.StatePath == "" {
		return fmt.Errorf("config: persistence state_path is required")
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("config: auth enabled but no JWT secret configured")
	}
	return nil
}

func (c *Config) validateTiers() error {
	tiers := c.TierConfig.Tiers
	if len(tiers) == 0 {
		return fmt.Errorf("config: tier table is empty")
	}
	for i, t := range tiers {
		if t.Name == "" {
			return fmt.Errorf("config: tier %d has no name", i)
		}
		if t.MinBalance >= t.MaxBalance {
			return fmt.Errorf("config: tier %q has min_balance >= max_balance", t.Name)
		}
		if t.RiskPerTradeMin > t.RiskPerTradeMax {
			return fmt.Errorf("config: tier %q risk range inverted", t.Name)
		}
		if t.MaxPositionsMin > t.MaxPositionsMax {
			return fmt.Errorf("config: tier %q position range inverted", t.Name)
		}
		if i > 0 {
			prev := tiers[i-1]
			if t.MinBalance != prev.MaxBalance {
				return fmt.Errorf("config: tiers %q and %q are not contiguous (intervals are [min, max))",
					prev.Name, t.Name)
			}
		}
	}
	if !sort.Float64sAreSorted(c.TierConfig.Milestones) {
		return fmt.Errorf("config: milestones must be ascending")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	p := c.PipelineConfig
	if len(p.ThrottleThresholds) == 0 || len(p.ThrottleThresholds) != len(p.ThrottleFactors) {
		return fmt.Errorf("config: throttle thresholds and factors must be non-empty and equal length")
	}
	if !sort.Float64sAreSorted(p.ThrottleThresholds) {
		return fmt.Errorf("config: throttle thresholds must be ascending")
	}
	for i := 1; i < len(p.ThrottleFactors); i++ {
		if p.ThrottleFactors[i] > p.ThrottleFactors[i-1] {
			return fmt.Errorf("config: throttle factors must not increase with drawdown")
		}
	}
	if p.PreservationFloorPct <= 0 || p.PreservationFloorPct >= 1 {
		return fmt.Errorf("config: preservation_floor_pct must be in (0, 1)")
	}
	if p.CorrelationFloor <= 0 || p.CorrelationFloor > 1 {
		return fmt.Errorf("config: correlation_floor must be in (0, 1]")
	}
	if p.PerformanceWeakPct >= p.PerformanceStrongPct {
		return fmt.Errorf("config: performance bands inverted")
	}
	if p.LiquidityDropRatio <= 0 || p.LiquidityDropRatio >= 1 {
		return fmt.Errorf("config: liquidity_drop_ratio must be in (0, 1)")
	}
	return nil
}

func (c *Config) validateTriggers() error {
	t := c.TriggerConfig
	if len(t.Rules) == 0 {
		return fmt.Errorf("config: trigger rule table is empty")
	}
	for i, r := range t.Rules {
		switch r.Severity {
		case "safe", "caution", "warning", "danger", "critical":
		default:
			return fmt.Errorf("config: trigger rule %d has unknown severity %q", i, r.Severity)
		}
	}
	if t.CriticalRetainedPct >= t.DangerRetainedPct {
		return fmt.Errorf("config: critical_retained_pct must be below danger_retained_pct")
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
