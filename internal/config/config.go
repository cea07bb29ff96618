package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration, one section per component.
type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	Cache      CacheConfig      `yaml:"cache"`
	PriceFeed  PriceFeedConfig  `yaml:"pricefeed"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Router     RouterConfig     `yaml:"router"`
	Mempool    MempoolConfig    `yaml:"mempool"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Safety     SafetyConfig     `yaml:"safety"`
	Archive    ArchiveConfig    `yaml:"archive"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// EndpointConfig describes one streaming/unary transport endpoint.
type EndpointConfig struct {
	ID        string  `yaml:"id"`
	URL       string  `yaml:"url"`        // ws(s):// for streams
	HTTPURL   string  `yaml:"http_url"`   // unary RPC; defaults to URL with scheme swapped
	Priority  int     `yaml:"priority"`   // 1 = best
	Weight    float64 `yaml:"weight"`
	RateLimit int     `yaml:"rate_limit"` // requests per window; 0 = transport default
}

// TransportConfig configures the multi-endpoint transport.
type TransportConfig struct {
	Endpoints             []EndpointConfig `yaml:"endpoints"`
	RateLimitRequests     int              `yaml:"rate_limit_requests"`
	RateLimitWindowMS     int              `yaml:"rate_limit_window_ms"`
	ReconnectDelayMS      int              `yaml:"reconnect_delay_ms"`
	MaxReconnectDelayMS   int              `yaml:"max_reconnect_delay_ms"`
	MaxReconnectAttempts  int              `yaml:"max_reconnect_attempts"`
	RequestTimeoutMS      int              `yaml:"request_timeout_ms"`
	HealthProbeIntervalMS int              `yaml:"health_probe_interval_ms"`
}

// RateLimitWindow returns the sliding-window span.
func (c TransportConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// CategoryConfig is one cache category policy.
type CategoryConfig struct {
	TTLSecs int    `yaml:"ttl_secs"`
	Policy  string `yaml:"policy"` // write_through|write_behind|cache_aside
}

// CacheConfig configures the two-tier cache.
type CacheConfig struct {
	Prefix         string                    `yaml:"prefix"`
	RedisAddr      string                    `yaml:"redis_addr"` // empty = local tier only
	RedisPassword  string                    `yaml:"redis_password"`
	RedisDB        int                       `yaml:"redis_db"`
	MaxMemoryBytes int64                     `yaml:"max_memory_bytes"`
	Categories     map[string]CategoryConfig `yaml:"categories"`
}

// SourceConfig describes one price source.
type SourceConfig struct {
	ID             string   `yaml:"id"`
	Kind           string   `yaml:"kind"` // oracle|httpapi|exchange
	Venue          string   `yaml:"venue"`
	URL            string   `yaml:"url"`
	Contract       string   `yaml:"contract,omitempty"` // oracle kind
	Symbols        []string `yaml:"symbols"`
	Weight         float64  `yaml:"weight"`
	PollIntervalMS int      `yaml:"poll_interval_ms"`
	RPS            float64  `yaml:"rps"` // poll pacing, httpapi/oracle
}

// PriceFeedConfig configures the price source fan-in.
type PriceFeedConfig struct {
	Sources           []SourceConfig `yaml:"sources"`
	FailoverThreshold int            `yaml:"failover_threshold"`
	AnomalyThreshold  float64        `yaml:"anomaly_threshold"` // relative deviation, e.g. 0.05
	RetryBaseMS       int            `yaml:"retry_base_ms"`
	RetryMaxMS        int            `yaml:"retry_max_ms"`
}

// AggregatorConfig configures consensus pricing and cross-venue detection.
type AggregatorConfig struct {
	MinSources       int     `yaml:"min_sources"`
	MaxPriceAgeMS    int     `yaml:"max_price_age_ms"`
	OutlierThreshold float64 `yaml:"outlier_threshold"` // relative deviation from median
	FeeBudgetPct     float64 `yaml:"fee_budget_pct"`    // round-trip trading fees, percent
	TradeSize        float64 `yaml:"trade_size"`        // notional used for impact estimate
	HistorySize      int     `yaml:"history_size"`
}

// MaxPriceAge returns the freshness bound for contributing points.
func (c AggregatorConfig) MaxPriceAge() time.Duration {
	return time.Duration(c.MaxPriceAgeMS) * time.Millisecond
}

// RouterConfig configures the event router.
type RouterConfig struct {
	BatchSize       int `yaml:"batch_size"`
	BatchIntervalMS int `yaml:"batch_interval_ms"`
	MaxCacheSize    int `yaml:"max_cache_size"` // per-priority queue bound = /4
	DedupTTLSecs    int `yaml:"dedup_ttl_secs"`
	MaxHandlerErrors int `yaml:"max_handler_errors"`
}

// MempoolConfig configures the pending-transaction listener.
type MempoolConfig struct {
	Enabled            bool     `yaml:"enabled"`
	DEXRouters         []string `yaml:"dex_routers"`
	HotTokens          []string `yaml:"hot_tokens"`
	FrontrunGasGwei    float64  `yaml:"frontrun_gas_gwei"`
	SandwichWindowSecs int      `yaml:"sandwich_window_secs"`
	SandwichMinTxs     int      `yaml:"sandwich_min_txs"`
	LargeValueEth      float64  `yaml:"large_value_eth"`
}

// PipelineConfig configures the opportunity pipeline.
type PipelineConfig struct {
	MinProfitThreshold         float64 `yaml:"min_profit_threshold"` // fraction, e.g. 0.005
	MaxRiskScore               float64 `yaml:"max_risk_score"`
	MaxConcurrentOpportunities int     `yaml:"max_concurrent_opportunities"`
	OpportunityTimeoutMS       int     `yaml:"opportunity_timeout_ms"`
	PriceValidityWindowMS      int     `yaml:"price_validity_window_ms"`
	RiskAssessmentTimeoutMS    int     `yaml:"risk_assessment_timeout_ms"`
	HistorySize                int     `yaml:"history_size"`
}

// OpportunityTimeout returns the per-opportunity pipeline deadline.
func (c PipelineConfig) OpportunityTimeout() time.Duration {
	return time.Duration(c.OpportunityTimeoutMS) * time.Millisecond
}

// BreakerThresholds is the full breaker threshold set.
type BreakerThresholds struct {
	MaxVolatility      float64 `yaml:"max_volatility"`       // fraction, extremeVolatility
	MinLiquidity       float64 `yaml:"min_liquidity"`        // lowLiquidity
	MaxGasPriceGwei    float64 `yaml:"max_gas_price_gwei"`   // highGasPrice
	MarketCrashDropPct float64 `yaml:"market_crash_drop_pct"` // marketCrash
	MaxSpreadPct       float64 `yaml:"max_spread_pct"`       // unusualSpread

	MaxErrorRate        float64 `yaml:"max_error_rate"` // fraction, highErrorRate
	MaxRPCFailures      int     `yaml:"max_rpc_failures"`
	MaxExecutionDelayMS int     `yaml:"max_execution_delay_ms"`
	MaxMemoryPct        float64 `yaml:"max_memory_pct"`
	MaxNetworkLatencyMS int     `yaml:"max_network_latency_ms"`

	MaxDailyLoss         float64 `yaml:"max_daily_loss"`
	MaxHourlyLoss        float64 `yaml:"max_hourly_loss"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct"`
}

// EmergencyStopConfig times the staged shutdown and its recovery.
type EmergencyStopConfig struct {
	TradeCompletionTimeoutMS     int `yaml:"trade_completion_timeout_ms"`
	PositionLiquidationTimeoutMS int `yaml:"position_liquidation_timeout_ms"`
	SystemShutdownTimeoutMS      int `yaml:"system_shutdown_timeout_ms"`
	MinRecoveryWaitTimeMS        int `yaml:"min_recovery_wait_time_ms"`
	GradualRestartDelayMS        int `yaml:"gradual_restart_delay_ms"`
}

// IncidentConfig configures anomaly detection and response.
type IncidentConfig struct {
	DetectionIntervalMS int     `yaml:"detection_interval_ms"`
	AnomalyThreshold    float64 `yaml:"anomaly_threshold"` // sigmas
	CascadeTimeoutMS    int     `yaml:"cascade_timeout_ms"`
	MaxRecoveryAttempts int     `yaml:"max_recovery_attempts"`
	EscalationTimeoutMS int     `yaml:"escalation_timeout_ms"`
	BaselineWindowHours int     `yaml:"baseline_window_hours"`
}

// SafetyConfig configures the safety plane.
type SafetyConfig struct {
	MonitoringIntervalMS int                 `yaml:"monitoring_interval_ms"`
	MetricsWindowSize    int                 `yaml:"metrics_window_size"`
	Thresholds           BreakerThresholds   `yaml:"thresholds"`
	EmergencyStop        EmergencyStopConfig `yaml:"emergency_stop"`
	Incident             IncidentConfig      `yaml:"incident"`
}

// ArchiveConfig configures the optional postgres audit archive.
type ArchiveConfig struct {
	DSN string `yaml:"dsn"` // empty disables archiving
}

// HTTPConfig configures the status/metrics listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a fully populated configuration with conservative defaults.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			RateLimitRequests:     100,
			RateLimitWindowMS:     60_000,
			ReconnectDelayMS:      1_000,
			MaxReconnectDelayMS:   30_000,
			MaxReconnectAttempts:  10,
			RequestTimeoutMS:      10_000,
			HealthProbeIntervalMS: 15_000,
		},
		Cache: CacheConfig{
			Prefix:         "arbflow",
			MaxMemoryBytes: 64 << 20,
			Categories: map[string]CategoryConfig{
				"prices":        {TTLSecs: 30, Policy: "write_through"},
				"opportunities": {TTLSecs: 60, Policy: "write_behind"},
				"pools":         {TTLSecs: 300, Policy: "cache_aside"},
				"tokens":        {TTLSecs: 3600, Policy: "cache_aside"},
				"transactions":  {TTLSecs: 86400, Policy: "write_through"},
				"analytics":     {TTLSecs: 300, Policy: "write_behind"},
			},
		},
		PriceFeed: PriceFeedConfig{
			FailoverThreshold: 5,
			AnomalyThreshold:  0.05,
			RetryBaseMS:       1_000,
			RetryMaxMS:        60_000,
		},
		Aggregator: AggregatorConfig{
			MinSources:       2,
			MaxPriceAgeMS:    30_000,
			OutlierThreshold: 0.10,
			FeeBudgetPct:     0.6, // 2 x 0.3% per leg
			TradeSize:        10_000,
			HistorySize:      256,
		},
		Router: RouterConfig{
			BatchSize:        50,
			BatchIntervalMS:  100,
			MaxCacheSize:     4_000,
			DedupTTLSecs:     60,
			MaxHandlerErrors: 100,
		},
		Mempool: MempoolConfig{
			FrontrunGasGwei:    100,
			SandwichWindowSecs: 30,
			SandwichMinTxs:     3,
			LargeValueEth:      10,
		},
		Pipeline: PipelineConfig{
			MinProfitThreshold:         0.005,
			MaxRiskScore:               70,
			MaxConcurrentOpportunities: 16,
			OpportunityTimeoutMS:       30_000,
			PriceValidityWindowMS:      10_000,
			RiskAssessmentTimeoutMS:    2_000,
			HistorySize:                1_000,
		},
		Safety: SafetyConfig{
			MonitoringIntervalMS: 5_000,
			MetricsWindowSize:    120,
			Thresholds: BreakerThresholds{
				MaxVolatility:        0.15,
				MinLiquidity:         100_000,
				MaxGasPriceGwei:      300,
				MarketCrashDropPct:   10,
				MaxSpreadPct:         5,
				MaxErrorRate:         0.25,
				MaxRPCFailures:       10,
				MaxExecutionDelayMS:  15_000,
				MaxMemoryPct:         85,
				MaxNetworkLatencyMS:  5_000,
				MaxDailyLoss:         1_000,
				MaxHourlyLoss:        400,
				MaxConsecutiveLosses: 5,
				MaxDrawdownPct:       15,
			},
			EmergencyStop: EmergencyStopConfig{
				TradeCompletionTimeoutMS:     30_000,
				PositionLiquidationTimeoutMS: 60_000,
				SystemShutdownTimeoutMS:      15_000,
				MinRecoveryWaitTimeMS:        300_000,
				GradualRestartDelayMS:        90_000,
			},
			Incident: IncidentConfig{
				DetectionIntervalMS: 10_000,
				AnomalyThreshold:    3,
				CascadeTimeoutMS:    120_000,
				MaxRecoveryAttempts: 3,
				EscalationTimeoutMS: 300_000,
				BaselineWindowHours: 24,
			},
		},
		HTTP: HTTPConfig{Listen: ":8087"},
	}
}

// Load reads, overlays onto defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate fails loudly on any threshold that would misconfigure a
// component at init.
func (c *Config) Validate() error {
	if len(c.Transport.Endpoints) == 0 {
		return fmt.Errorf("transport: at least one endpoint required")
	}
	seen := map[string]bool{}
	for i, ep := range c.Transport.Endpoints {
		if ep.ID == "" || ep.URL == "" {
			return fmt.Errorf("transport: endpoint %d missing id or url", i)
		}
		if seen[ep.ID] {
			return fmt.Errorf("transport: duplicate endpoint id %q", ep.ID)
		}
		seen[ep.ID] = true
	}
	if c.Transport.RateLimitRequests <= 0 || c.Transport.RateLimitWindowMS <= 0 {
		return fmt.Errorf("transport: rate limit must be positive")
	}
	for name, cat := range c.Cache.Categories {
		switch cat.Policy {
		case "write_through", "write_behind", "cache_aside":
		default:
			return fmt.Errorf("cache: category %q has unknown policy %q", name, cat.Policy)
		}
		if cat.TTLSecs <= 0 {
			return fmt.Errorf("cache: category %q needs positive ttl", name)
		}
	}
	if c.Aggregator.MinSources < 1 {
		return fmt.Errorf("aggregator: min_sources must be >= 1")
	}
	if c.Aggregator.OutlierThreshold <= 0 || c.Aggregator.OutlierThreshold >= 1 {
		return fmt.Errorf("aggregator: outlier_threshold must be in (0,1), got %f", c.Aggregator.OutlierThreshold)
	}
	for i, s := range c.PriceFeed.Sources {
		switch s.Kind {
		case "oracle", "httpapi", "exchange":
		default:
			return fmt.Errorf("pricefeed: source %d has unknown kind %q", i, s.Kind)
		}
		if s.ID == "" || len(s.Symbols) == 0 {
			return fmt.Errorf("pricefeed: source %d missing id or symbols", i)
		}
	}
	if c.Pipeline.MinProfitThreshold < 0 {
		return fmt.Errorf("pipeline: min_profit_threshold must be >= 0")
	}
	if c.Pipeline.MaxRiskScore <= 0 || c.Pipeline.MaxRiskScore > 100 {
		return fmt.Errorf("pipeline: max_risk_score must be in (0,100], got %f", c.Pipeline.MaxRiskScore)
	}
	if c.Pipeline.MaxConcurrentOpportunities <= 0 {
		return fmt.Errorf("pipeline: max_concurrent_opportunities must be positive")
	}
	if c.Router.BatchSize <= 0 || c.Router.BatchIntervalMS <= 0 {
		return fmt.Errorf("router: batch size and interval must be positive")
	}
	if c.Safety.MonitoringIntervalMS <= 0 {
		return fmt.Errorf("safety: monitoring_interval_ms must be positive")
	}
	if c.Safety.Incident.AnomalyThreshold <= 0 {
		return fmt.Errorf("safety: incident anomaly_threshold must be positive")
	}
	return nil
}
