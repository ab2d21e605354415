// Package config loads and validates the single hierarchical configuration
// document the services consume, initializes logging, and resolves secrets
// from Vault with environment-variable fallback.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Store      StoreConfig               `mapstructure:"store"`
	Redis      RedisConfig               `mapstructure:"redis"`
	NATS       NATSConfig                `mapstructure:"nats"`
	Generation GenerationConfig          `mapstructure:"generation"`
	Sources    map[string]SourceConfig   `mapstructure:"sources"`
	Regime     RegimeConfig              `mapstructure:"regime"`
	Consensus  ConsensusConfig           `mapstructure:"consensus"`
	Executors  map[string]ExecutorConfig `mapstructure:"executors"`
	Risk       RiskConfig                `mapstructure:"risk"`
	Broker     BrokerConfig              `mapstructure:"broker"`
	Backtest   BacktestConfig            `mapstructure:"backtest"`
	Features   FeatureFlags              `mapstructure:"features"`
	API        APIConfig                 `mapstructure:"api"`
	Alerts     AlertsConfig              `mapstructure:"alerts"`
	Monitoring MonitoringConfig          `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name            string `mapstructure:"name"`
	Version         string `mapstructure:"version"`
	Environment     string `mapstructure:"environment"` // development, staging, production
	LogLevel        string `mapstructure:"log_level"`
	LogFormat       string `mapstructure:"log_format"` // "json" or "console"
	StrategyVersion string `mapstructure:"strategy_version"`
}

// StoreConfig contains the embedded signal store settings
type StoreConfig struct {
	Path string `mapstructure:"path"` // sqlite file path, ":memory:" for tests
}

// RedisConfig contains Redis settings for the account snapshot cache
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig contains the internal signal bus settings
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"` // subject prefix, default "signals."
}

// WatchedSymbol is one entry of the symbol watchlist
type WatchedSymbol struct {
	Ticker string `mapstructure:"ticker"`
	Class  string `mapstructure:"class"` // STOCK or CRYPTO
}

// GenerationConfig drives the per-symbol signal generation cycles
type GenerationConfig struct {
	Watchlist     []WatchedSymbol `mapstructure:"watchlist"`
	CycleInterval time.Duration   `mapstructure:"cycle_interval"` // cadence per symbol
	CycleDeadline time.Duration   `mapstructure:"cycle_deadline"` // hard per-cycle cap
	HistoryDepth  int             `mapstructure:"history_depth"`  // rolling candle window
	SignalTTL     time.Duration   `mapstructure:"signal_ttl"`     // unexecuted signals expire after this
}

// SourceConfig configures one data source adapter. Weights are per track;
// a missing crypto-track weight falls back to the stock track.
type SourceConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	WeightStock   float64       `mapstructure:"weight_stock"`
	WeightCrypto  float64       `mapstructure:"weight_crypto"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Endpoint      string        `mapstructure:"endpoint"`
	APIKeyRef     string        `mapstructure:"api_key_ref"` // secret store path
}

// RegimeConfig tunes the regime detector
type RegimeConfig struct {
	SlowMAPeriod       int           `mapstructure:"slow_ma_period"`
	MinDwellBars       int           `mapstructure:"min_dwell_bars"`
	ChopVolThreshold   float64       `mapstructure:"chop_vol_threshold"`
	CrisisVolThreshold float64       `mapstructure:"crisis_vol_threshold"`
	ReclassifyInterval time.Duration `mapstructure:"reclassify_interval"`
}

// ConsensusConfig carries the emission thresholds and the stop/target
// derivation multiples.
type ConsensusConfig struct {
	SingleDirectionalMin float64 `mapstructure:"single_directional_min"`
	SingleNeutralMin     float64 `mapstructure:"single_neutral_min"`
	PairAgreeMin         float64 `mapstructure:"pair_agree_min"`
	PairDisagreeMin      float64 `mapstructure:"pair_disagree_min"`
	MultiMin             float64 `mapstructure:"multi_min"`
	StopATRMultiple      float64 `mapstructure:"stop_atr_multiple"`
	TargetATRMultiple    float64 `mapstructure:"target_atr_multiple"`
	CrisisStopTighten    float64 `mapstructure:"crisis_stop_tighten"` // factor < 1 applied in CRISIS
}

// Executor kinds.
const (
	ExecutorKindStandard = "STANDARD"
	ExecutorKindPropFirm = "PROP_FIRM"
)

// ExecutorConfig is the per-account policy block
type ExecutorConfig struct {
	Kind              string   `mapstructure:"kind"` // STANDARD or PROP_FIRM
	BrokerCredsRef    string   `mapstructure:"broker_creds_ref"`
	MinConfidence     float64  `mapstructure:"min_confidence"`
	MaxPositions      int      `mapstructure:"max_positions"`
	MaxPositionPct    float64  `mapstructure:"max_position_pct"`
	DailyLossLimitPct float64  `mapstructure:"daily_loss_limit_pct"`
	MaxDrawdownPct    float64  `mapstructure:"max_drawdown_pct"`
	AllowedSymbols    []string `mapstructure:"allowed_symbols"` // empty = all
	ShortPolicy       string   `mapstructure:"short_policy"`    // "noop" or "open_short"
	StrictAccounting  bool     `mapstructure:"strict_accounting"`
}

// RiskConfig contains risk guard settings shared by both executors
type RiskConfig struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	WarnMarginPct   float64       `mapstructure:"warn_margin_pct"` // warn within this fraction of a limit
	SnapshotTTL     time.Duration `mapstructure:"snapshot_ttl"`
}

// BrokerConfig contains brokerage connectivity settings
type BrokerConfig struct {
	Exchange     string  `mapstructure:"exchange"` // "binance"
	Testnet      bool    `mapstructure:"testnet"`
	MinNotional  float64 `mapstructure:"min_notional"`
	QtyPrecision int     `mapstructure:"qty_precision"`
}

// BacktestConfig contains cost model and split parameters
type BacktestConfig struct {
	SlippagePct   float64 `mapstructure:"slippage_pct"`    // 0.0005
	HalfSpreadPct float64 `mapstructure:"half_spread_pct"` // 0.0001 per side
	CommissionPct float64 `mapstructure:"commission_pct"`  // 0.001 per side
	TrainPct      float64 `mapstructure:"train_pct"`
	ValPct        float64 `mapstructure:"val_pct"`
	InitialEquity float64 `mapstructure:"initial_equity"`
}

// FeatureFlags toggles runtime behavior
type FeatureFlags struct {
	Force247Mode       bool `mapstructure:"force_24_7_mode"`
	AutoExecute        bool `mapstructure:"auto_execute"`
	SimulationFallback bool `mapstructure:"simulation_fallback"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	AuthEnabled bool           `mapstructure:"auth_enabled"`
	Keys        []APIKeyConfig `mapstructure:"keys"`
}

// APIKeyConfig is one accepted bearer key, stored as its SHA-256 hex digest.
type APIKeyConfig struct {
	SHA256 string `mapstructure:"sha256"`
	Admin  bool   `mapstructure:"admin"`
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AlertsConfig contains operator alerting settings
type AlertsConfig struct {
	TelegramEnabled bool   `mapstructure:"telegram_enabled"`
	TelegramChatID  int64  `mapstructure:"telegram_chat_id"`
	TokenRef        string `mapstructure:"token_ref"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PULSE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pulse")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("app.strategy_version", "1.0.0")

	v.SetDefault("store.path", "./data/pulse.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.prefix", "signals.")

	v.SetDefault("generation.cycle_interval", 5*time.Second)
	v.SetDefault("generation.cycle_deadline", 15*time.Second)
	v.SetDefault("generation.history_depth", 500)
	v.SetDefault("generation.signal_ttl", 30*time.Minute)

	v.SetDefault("regime.slow_ma_period", 50)
	v.SetDefault("regime.min_dwell_bars", 3)
	v.SetDefault("regime.chop_vol_threshold", 0.008)
	v.SetDefault("regime.crisis_vol_threshold", 0.035)
	v.SetDefault("regime.reclassify_interval", time.Minute)

	v.SetDefault("consensus.single_directional_min", 0.80)
	v.SetDefault("consensus.single_neutral_min", 0.65)
	v.SetDefault("consensus.pair_agree_min", 0.75)
	v.SetDefault("consensus.pair_disagree_min", 0.70)
	v.SetDefault("consensus.multi_min", 0.80)
	v.SetDefault("consensus.stop_atr_multiple", 1.5)
	v.SetDefault("consensus.target_atr_multiple", 3.0)
	v.SetDefault("consensus.crisis_stop_tighten", 0.6)

	v.SetDefault("executors.standard.kind", "STANDARD")
	v.SetDefault("executors.standard.min_confidence", 0.75)
	v.SetDefault("executors.standard.max_positions", 5)
	v.SetDefault("executors.standard.max_position_pct", 0.10)
	v.SetDefault("executors.standard.daily_loss_limit_pct", 0.03)
	v.SetDefault("executors.standard.max_drawdown_pct", 0.10)
	v.SetDefault("executors.standard.short_policy", "noop")

	v.SetDefault("executors.prop_firm.kind", "PROP_FIRM")
	v.SetDefault("executors.prop_firm.min_confidence", 0.82)
	v.SetDefault("executors.prop_firm.max_positions", 3)
	v.SetDefault("executors.prop_firm.max_position_pct", 0.05)
	v.SetDefault("executors.prop_firm.daily_loss_limit_pct", 0.02)
	v.SetDefault("executors.prop_firm.max_drawdown_pct", 0.05)
	v.SetDefault("executors.prop_firm.short_policy", "noop")
	v.SetDefault("executors.prop_firm.strict_accounting", true)

	v.SetDefault("risk.monitor_interval", 5*time.Second)
	v.SetDefault("risk.warn_margin_pct", 0.2)
	v.SetDefault("risk.snapshot_ttl", 10*time.Second)

	v.SetDefault("broker.exchange", "binance")
	v.SetDefault("broker.testnet", true)
	v.SetDefault("broker.min_notional", 10.0)
	v.SetDefault("broker.qty_precision", 6)

	v.SetDefault("backtest.slippage_pct", 0.0005)
	v.SetDefault("backtest.half_spread_pct", 0.0001)
	v.SetDefault("backtest.commission_pct", 0.001)
	v.SetDefault("backtest.train_pct", 0.6)
	v.SetDefault("backtest.val_pct", 0.2)
	v.SetDefault("backtest.initial_equity", 10000.0)

	v.SetDefault("features.force_24_7_mode", false)
	v.SetDefault("features.auto_execute", true)
	v.SetDefault("features.simulation_fallback", true)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.auth_enabled", true)

	v.SetDefault("alerts.telegram_enabled", false)

	v.SetDefault("monitoring.enable_metrics", true)

	// Default source weights: the stock and crypto tracks differ.
	v.SetDefault("sources.technical.enabled", true)
	v.SetDefault("sources.technical.weight_stock", 0.4)
	v.SetDefault("sources.technical.weight_crypto", 0.45)
	v.SetDefault("sources.technical.timeout", 2*time.Second)
	v.SetDefault("sources.technical.rate_per_minute", 600)

	v.SetDefault("sources.marketdata.enabled", true)
	v.SetDefault("sources.marketdata.weight_stock", 0.35)
	v.SetDefault("sources.marketdata.weight_crypto", 0.35)
	v.SetDefault("sources.marketdata.timeout", 4*time.Second)
	v.SetDefault("sources.marketdata.rate_per_minute", 120)

	v.SetDefault("sources.sentiment.enabled", true)
	v.SetDefault("sources.sentiment.weight_stock", 0.25)
	v.SetDefault("sources.sentiment.weight_crypto", 0.20)
	v.SetDefault("sources.sentiment.timeout", 5*time.Second)
	v.SetDefault("sources.sentiment.rate_per_minute", 60)
}
