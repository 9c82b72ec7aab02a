// Package config defines all configuration for the trading system.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KATS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"kats-trader/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	TradeMode string          `mapstructure:"trade_mode"` // LIVE or PAPER
	Watchlist []string        `mapstructure:"watchlist"`  // stock codes traded this session
	API       APIConfig       `mapstructure:"api"`
	Cache     CacheConfig     `mapstructure:"cache"`
	VI        VIConfig        `mapstructure:"vi"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Pyramid   PyramidConfig   `mapstructure:"pyramid"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Paper     PaperConfig     `mapstructure:"paper"`
	Store     StoreConfig     `mapstructure:"store"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// APIConfig holds KIS OpenAPI credentials and endpoints.
// AppKey/AppSecret authenticate REST calls; ApprovalKey authenticates the
// realtime WebSocket. AccountNo is the 8-digit CANO, ProductCode the
// 2-digit ACNT_PRDT_CD suffix.
type APIConfig struct {
	AppKey       string `mapstructure:"app_key"`
	AppSecret    string `mapstructure:"app_secret"`
	AccountNo    string `mapstructure:"account_no"`
	ProductCode  string `mapstructure:"product_code"`
	ApprovalKey  string `mapstructure:"approval_key"`
	BaseURLLive  string `mapstructure:"base_url_live"`
	BaseURLPaper string `mapstructure:"base_url_paper"`
	WSURL        string `mapstructure:"ws_url"`

	// Rate limiting. KIS allows 20 req/s; default runs at 18 with a
	// matching burst for safety margin.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         float64 `mapstructure:"burst"`

	TokenCacheDir string `mapstructure:"token_cache_dir"`
}

// CacheConfig tunes realtime data freshness checks.
//
//   - FreshWithin: data older than this fails IsFresh (default 3s).
//   - StaleWarnAfter: reads of data older than this log a warning (default 5s).
type CacheConfig struct {
	FreshWithin    time.Duration `mapstructure:"fresh_within"`
	StaleWarnAfter time.Duration `mapstructure:"stale_warn_after"`
}

// VIConfig tunes the volatility-interruption monitor.
type VIConfig struct {
	Cooldown     time.Duration `mapstructure:"cooldown"`      // post-release cooling period (default 30s)
	ProximityPct float64       `mapstructure:"proximity_pct"` // warn within this % of a VI trigger price (default 1.0)
}

// TrackerConfig controls unfilled-order tracking.
//
//   - DefaultTTL: order lifetime before automatic cancellation (default 5m).
//   - StrategyTTL: per-strategy-code overrides (VB 60s, S2 120s, GR 10m).
//   - CheckInterval: sweep period (default 10s).
//   - AmendThreshold: fraction of TTL elapsed that triggers a market-price
//     amend attempt (default 0.8).
type TrackerConfig struct {
	DefaultTTL     time.Duration            `mapstructure:"default_ttl"`
	StrategyTTL    map[string]time.Duration `mapstructure:"strategy_ttl"`
	CheckInterval  time.Duration            `mapstructure:"check_interval"`
	AmendThreshold float64                  `mapstructure:"amend_threshold"`
}

// PyramidConfig controls staged position building.
// Ratios must sum to 1.0 and Triggers are profit percentages gating
// each stage. Lengths of both must equal MaxStages.
type PyramidConfig struct {
	MaxStages int       `mapstructure:"max_stages"`
	Ratios    []float64 `mapstructure:"ratios"`
	Triggers  []float64 `mapstructure:"triggers"`
}

// RiskConfig sets the limits enforced by the nine-step validation pipeline.
type RiskConfig struct {
	// Per-trade risk fraction of capital by market regime.
	RegimeRisk map[string]float64 `mapstructure:"regime_risk"`
	// Max position as fraction of capital by stock grade.
	GradeLimits map[string]float64 `mapstructure:"grade_limits"`

	DailyLossLimitPct   float64 `mapstructure:"daily_loss_limit_pct"`   // kill switch threshold (default 0.03)
	MonthlyLossLimitPct float64 `mapstructure:"monthly_loss_limit_pct"` // drawdown ORANGE threshold (default 0.06)
	SectorCapPct        float64 `mapstructure:"sector_cap_pct"`         // max sector concentration (default 40)

	CommissionRate float64       `mapstructure:"commission_rate"` // default 0.00015
	TaxRate        float64       `mapstructure:"tax_rate"`        // default 0.0018 (sell-side transaction tax)
	BalanceTTL     time.Duration `mapstructure:"balance_ttl"`     // cash balance cache (default 5s)
}

// PaperConfig seeds the simulated account.
type PaperConfig struct {
	InitialCash int64 `mapstructure:"initial_cash"`
}

// StoreConfig sets where position data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// JournalConfig sets the SQLite trade journal location.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only status HTTP server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KATS_APP_KEY, KATS_APP_SECRET,
// KATS_ACCOUNT_NO, KATS_APPROVAL_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KATS_APP_KEY"); key != "" {
		cfg.API.AppKey = key
	}
	if secret := os.Getenv("KATS_APP_SECRET"); secret != "" {
		cfg.API.AppSecret = secret
	}
	if acct := os.Getenv("KATS_ACCOUNT_NO"); acct != "" {
		cfg.API.AccountNo = acct
	}
	if key := os.Getenv("KATS_APPROVAL_KEY"); key != "" {
		cfg.API.ApprovalKey = key
	}
	if mode := os.Getenv("KATS_TRADE_MODE"); mode != "" {
		cfg.TradeMode = mode
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trade_mode", string(types.ModePaper))
	v.SetDefault("api.base_url_live", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("api.base_url_paper", "https://openapivts.koreainvestment.com:29443")
	v.SetDefault("api.ws_url", "ws://ops.koreainvestment.com:21000")
	v.SetDefault("api.rate_per_second", 18.0)
	v.SetDefault("api.burst", 18.0)
	v.SetDefault("api.product_code", "01")

	v.SetDefault("cache.fresh_within", "3s")
	v.SetDefault("cache.stale_warn_after", "5s")

	v.SetDefault("vi.cooldown", "30s")
	v.SetDefault("vi.proximity_pct", 1.0)

	v.SetDefault("tracker.default_ttl", "5m")
	v.SetDefault("tracker.check_interval", "10s")
	v.SetDefault("tracker.amend_threshold", 0.8)
	v.SetDefault("tracker.strategy_ttl", map[string]string{
		"VB": "60s",
		"S2": "120s",
		"GR": "600s",
	})

	v.SetDefault("pyramid.max_stages", 3)
	v.SetDefault("pyramid.ratios", []float64{0.5, 0.3, 0.2})
	v.SetDefault("pyramid.triggers", []float64{0.0, 5.0, 10.0})

	v.SetDefault("risk.regime_risk", map[string]float64{
		"STRONG_BULL": 0.020,
		"BULL":        0.018,
		"SIDEWAYS":    0.012,
		"BEAR":        0.008,
		"STRONG_BEAR": 0.005,
	})
	v.SetDefault("risk.grade_limits", map[string]float64{
		"A": 0.30,
		"B": 0.20,
		"C": 0.10,
	})
	v.SetDefault("risk.daily_loss_limit_pct", 0.03)
	v.SetDefault("risk.monthly_loss_limit_pct", 0.06)
	v.SetDefault("risk.sector_cap_pct", 40.0)
	v.SetDefault("risk.commission_rate", 0.00015)
	v.SetDefault("risk.tax_rate", 0.0018)
	v.SetDefault("risk.balance_ttl", "5s")

	v.SetDefault("paper.initial_cash", 100_000_000)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("journal.path", "data/journal.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8090)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch types.TradeMode(c.TradeMode) {
	case types.ModeLive, types.ModePaper:
	default:
		return fmt.Errorf("trade_mode must be LIVE or PAPER, got %q", c.TradeMode)
	}
	if len(c.Watchlist) == 0 {
		return fmt.Errorf("watchlist must list at least one stock code")
	}
	if c.API.AppKey == "" {
		return fmt.Errorf("api.app_key is required (set KATS_APP_KEY)")
	}
	if c.API.AppSecret == "" {
		return fmt.Errorf("api.app_secret is required (set KATS_APP_SECRET)")
	}
	if c.API.AccountNo == "" {
		return fmt.Errorf("api.account_no is required (set KATS_ACCOUNT_NO)")
	}
	if c.API.RatePerSecond <= 0 {
		return fmt.Errorf("api.rate_per_second must be > 0")
	}
	if c.Tracker.AmendThreshold <= 0 || c.Tracker.AmendThreshold >= 1 {
		return fmt.Errorf("tracker.amend_threshold must be in (0, 1)")
	}
	if c.Pyramid.MaxStages > 0 {
		if len(c.Pyramid.Ratios) != c.Pyramid.MaxStages {
			return fmt.Errorf("pyramid.ratios must have %d entries", c.Pyramid.MaxStages)
		}
		if len(c.Pyramid.Triggers) != c.Pyramid.MaxStages {
			return fmt.Errorf("pyramid.triggers must have %d entries", c.Pyramid.MaxStages)
		}
		var sum float64
		for _, r := range c.Pyramid.Ratios {
			sum += r
		}
		if sum < 0.99 || sum > 1.01 {
			return fmt.Errorf("pyramid.ratios must sum to 1.0, got %.3f", sum)
		}
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("risk.daily_loss_limit_pct must be > 0")
	}
	if c.Paper.InitialCash <= 0 && types.TradeMode(c.TradeMode) == types.ModePaper {
		return fmt.Errorf("paper.initial_cash must be > 0 in PAPER mode")
	}
	return nil
}

// BaseURL returns the REST base URL for the configured trade mode.
func (c *Config) BaseURL() string {
	if types.TradeMode(c.TradeMode) == types.ModeLive {
		return c.API.BaseURLLive
	}
	return c.API.BaseURLPaper
}
