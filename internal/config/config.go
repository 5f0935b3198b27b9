// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when the corresponding field is unset.
const (
	// defaultCloseDTE is the days-to-expiry at or below which positions are
	// force-closed regardless of P&L
	defaultCloseDTE = 2
	// defaultResolution is the candle resolution used for price history
	defaultResolution = "1D"
	// defaultScanInterval separates two scan cycles
	defaultScanInterval = time.Hour
	// defaultReviewInterval separates two position lifecycle reviews
	defaultReviewInterval = 4 * time.Hour
)

// weightSumEpsilon is the tolerance when checking that blend weights sum to 1.
const weightSumEpsilon = 1e-9

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Exit        ExitConfig        `yaml:"exit"`
	Risk        RiskConfig        `yaml:"risk"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // test | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines exchange API settings.
type BrokerConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Timeout   string `yaml:"timeout"` // per-call HTTP timeout, e.g. "10s"
}

// ScheduleConfig defines how often scan and review cycles run.
type ScheduleConfig struct {
	ScanInterval           string `yaml:"scan_interval"`
	PositionReviewInterval string `yaml:"position_review_interval"`
}

// StrategyConfig defines the volatility-arbitrage signal parameters.
type StrategyConfig struct {
	Currencies []string `yaml:"currencies"`
	// HighRatioThreshold and LowRatioThreshold partition the IV/HV ratio
	// into sell / discard / buy. They must straddle 1.
	HighRatioThreshold float64            `yaml:"high_ratio_threshold"`
	LowRatioThreshold  float64            `yaml:"low_ratio_threshold"`
	Volatility         VolatilityConfig   `yaml:"volatility"`
	MinDaysToExpiry    int                `yaml:"min_days_to_expiry"`
	MaxDaysToExpiry    int                `yaml:"max_days_to_expiry"`
	StrikeSpreadPct    float64            `yaml:"strike_spread_pct"`
	ContractSizes      map[string]float64 `yaml:"contract_sizes"`
}

// VolatilityConfig defines the historical-volatility estimation windows.
// Weights and Fallbacks are ordered short, medium, long.
type VolatilityConfig struct {
	WindowShort  int       `yaml:"window_short"`
	WindowMedium int       `yaml:"window_medium"`
	WindowLong   int       `yaml:"window_long"`
	Weights      []float64 `yaml:"weights"`
	Fallbacks    []float64 `yaml:"fallbacks"`
	Resolution   string    `yaml:"resolution"`
	HistoryLimit int       `yaml:"history_limit"`
}

// ExitConfig defines exit criteria for closing positions.
type ExitConfig struct {
	ProfitTargetPct float64 `yaml:"profit_target_pct"`
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	CloseDTE        int     `yaml:"close_dte"`
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	TotalCapital float64 `yaml:"total_capital"` // USD, used for drift warnings
	// MaxPositionSize is the per-position budget: a spread whose absolute
	// net cost exceeds it is never placed.
	MaxPositionSize float64 `yaml:"max_position_size"`
	MaxPositions    int     `yaml:"max_positions"`
}

// StorageConfig defines storage settings for trade history data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the optional status HTTP server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "test" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'test' or 'live'")
	}

	// Broker validation
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.APISecret == "" {
		return fmt.Errorf("broker.api_secret is required")
	}
	if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}

	// Strategy validation
	if len(c.Strategy.Currencies) == 0 {
		return fmt.Errorf("strategy.currencies must list at least one currency")
	}
	for _, ccy := range c.Strategy.Currencies {
		size, ok := c.Strategy.ContractSizes[ccy]
		if !ok {
			return fmt.Errorf("strategy.contract_sizes missing entry for %s", ccy)
		}
		if size <= 0 {
			return fmt.Errorf("strategy.contract_sizes[%s] must be > 0 (current: %v)", ccy, size)
		}
	}
	if c.Strategy.LowRatioThreshold >= 1 || c.Strategy.HighRatioThreshold <= 1 {
		return fmt.Errorf("ratio thresholds must satisfy low < 1 < high (current: low=%.2f high=%.2f)",
			c.Strategy.LowRatioThreshold, c.Strategy.HighRatioThreshold)
	}
	if c.Strategy.LowRatioThreshold <= 0 {
		return fmt.Errorf("strategy.low_ratio_threshold must be > 0")
	}
	if c.Strategy.MinDaysToExpiry <= 0 || c.Strategy.MaxDaysToExpiry <= 0 ||
		c.Strategy.MinDaysToExpiry > c.Strategy.MaxDaysToExpiry {
		return fmt.Errorf("expiry eligibility window must satisfy 0 < min <= max (current: [%d,%d])",
			c.Strategy.MinDaysToExpiry, c.Strategy.MaxDaysToExpiry)
	}
	if c.Strategy.StrikeSpreadPct <= 0 || c.Strategy.StrikeSpreadPct >= 1 {
		return fmt.Errorf("strategy.strike_spread_pct must be in (0,1)")
	}
	if err := c.Strategy.Volatility.validate(); err != nil {
		return err
	}

	// Exit validation
	if c.Exit.ProfitTargetPct <= 0 {
		return fmt.Errorf("exit.profit_target_pct must be > 0")
	}
	if c.Exit.StopLossPct <= 0 {
		return fmt.Errorf("exit.stop_loss_pct must be > 0")
	}
	if c.Exit.CloseDTE < 0 {
		return fmt.Errorf("exit.close_dte must be >= 0")
	}

	// Risk validation
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if c.Risk.TotalCapital < 0 {
		return fmt.Errorf("risk.total_capital must be >= 0")
	}

	// Schedule validation
	if _, err := time.ParseDuration(c.Schedule.ScanInterval); err != nil {
		return fmt.Errorf("schedule.scan_interval invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Schedule.PositionReviewInterval); err != nil {
		return fmt.Errorf("schedule.position_review_interval invalid: %w", err)
	}

	// Dashboard validation
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in (0,65535] when the dashboard is enabled")
	}

	return nil
}

func (v *VolatilityConfig) validate() error {
	if v.WindowShort <= 0 || v.WindowMedium <= 0 || v.WindowLong <= 0 {
		return fmt.Errorf("volatility windows must be > 0")
	}
	if v.WindowShort >= v.WindowMedium || v.WindowMedium >= v.WindowLong {
		return fmt.Errorf("volatility windows must be strictly ascending (current: %d/%d/%d)",
			v.WindowShort, v.WindowMedium, v.WindowLong)
	}
	if len(v.Weights) != 3 {
		return fmt.Errorf("volatility.weights must have exactly 3 entries (short, medium, long)")
	}
	sum := 0.0
	for _, w := range v.Weights {
		if w < 0 {
			return fmt.Errorf("volatility.weights must be >= 0")
		}
		sum += w
	}
	if math.Abs(sum-1) > weightSumEpsilon {
		return fmt.Errorf("volatility.weights must sum to 1 (current sum: %v)", sum)
	}
	if len(v.Fallbacks) != 3 {
		return fmt.Errorf("volatility.fallbacks must have exactly 3 entries (short, medium, long)")
	}
	for _, f := range v.Fallbacks {
		if f <= 0 {
			return fmt.Errorf("volatility.fallbacks must be > 0")
		}
	}
	if v.HistoryLimit < v.WindowLong+1 {
		return fmt.Errorf("volatility.history_limit must be >= window_long+1 (current: %d)", v.HistoryLimit)
	}
	return nil
}

// normalize sets defaults for optional fields before validation.
func (c *Config) normalize() {
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = "10s"
	}
	if c.Schedule.ScanInterval == "" {
		c.Schedule.ScanInterval = defaultScanInterval.String()
	}
	if c.Schedule.PositionReviewInterval == "" {
		c.Schedule.PositionReviewInterval = defaultReviewInterval.String()
	}
	if c.Exit.CloseDTE == 0 {
		c.Exit.CloseDTE = defaultCloseDTE
	}
	if c.Strategy.Volatility.Resolution == "" {
		c.Strategy.Volatility.Resolution = defaultResolution
	}
	if c.Strategy.Volatility.HistoryLimit == 0 && c.Strategy.Volatility.WindowLong > 0 {
		c.Strategy.Volatility.HistoryLimit = c.Strategy.Volatility.WindowLong + 10
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/trade_history.json"
	}
}

// IsTestnet returns true if the bot is configured against the exchange
// testnet rather than the production endpoint.
func (c *Config) IsTestnet() bool {
	return c.Environment.Mode == "test"
}

// BrokerTimeout returns the configured per-call HTTP timeout.
func (c *Config) BrokerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ScanInterval returns the configured delay between scan cycles.
func (c *Config) ScanInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.ScanInterval)
	if err != nil {
		return defaultScanInterval
	}
	return d
}

// PositionReviewInterval returns the configured delay between position
// lifecycle reviews.
func (c *Config) PositionReviewInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.PositionReviewInterval)
	if err != nil {
		return defaultReviewInterval
	}
	return d
}

// ContractSize returns the minimum contract size for a currency.
func (s *StrategyConfig) ContractSize(currency string) (float64, bool) {
	size, ok := s.ContractSizes[currency]
	return size, ok
}
