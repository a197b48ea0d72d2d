// Package config defines all configuration for the trading fleet.
//
// Every service loads the same Config so one environment can be deployed
// fleet-wide; only PORT differs per process. Values come from environment
// variables (the names below are the wire contract), with an optional YAML
// file selected by CONFIG_FILE for local development.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"tradefleet/pkg/types"
)

// Config is the top-level configuration shared by all services.
type Config struct {
	Service      ServiceConfig      `mapstructure:"service"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Stream       StreamConfig       `mapstructure:"stream"`
	PnL          PnLConfig          `mapstructure:"pnl"`
	Optimizer    OptimizerConfig    `mapstructure:"optimizer"`
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	Siblings     SiblingsConfig     `mapstructure:"siblings"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Integrations IntegrationsConfig `mapstructure:"integrations"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServiceConfig holds per-process settings.
type ServiceConfig struct {
	Port     int    `mapstructure:"port"`
	CommMode string `mapstructure:"comm_mode"`
}

// Mode returns the communication mode as its typed enum.
func (s ServiceConfig) Mode() types.CommMode {
	return types.CommMode(s.CommMode)
}

// RedisConfig points at the shared KV / stream substrate.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// StreamConfig tunes the consumer runtime. TTL and retry budget apply to
// every consumer group in the fleet.
type StreamConfig struct {
	IdempTTLSeconds int `mapstructure:"idemp_ttl_seconds"`
	MaxFailures     int `mapstructure:"max_failures"`
}

// PnLConfig seeds the daily ledger.
type PnLConfig struct {
	StartEquity    float64 `mapstructure:"start_equity"`
	DailyTargetPct float64 `mapstructure:"daily_target_pct"`
}

// OptimizerConfig controls the loss-triggered feedback loop.
type OptimizerConfig struct {
	EnableOnLoss    bool    `mapstructure:"enable_on_loss"`
	MinLoss         float64 `mapstructure:"min_loss"`
	CooldownSeconds int     `mapstructure:"cooldown_seconds"`
}

// ExchangeConfig selects and parameterizes the venue adapter.
//
//   - Venue: paper (deterministic, default), binance, coinbase.
//   - PaperPriceDefault / ProfitPerTrade: paper fill price and configured
//     per-trade profit before fees.
//   - FeeBps / SlippageBps: applied to notional for paper fills.
type ExchangeConfig struct {
	Venue             string  `mapstructure:"venue"`
	PaperPriceDefault float64 `mapstructure:"paper_price_default"`
	ProfitPerTrade    float64 `mapstructure:"profit_per_trade"`
	FeeBps            float64 `mapstructure:"fee_bps"`
	SlippageBps       float64 `mapstructure:"slippage_bps"`

	Binance  VenueCredentials `mapstructure:"binance"`
	Coinbase VenueCredentials `mapstructure:"coinbase"`
}

// VenueCredentials holds signed-HTTP credentials for a live venue.
type VenueCredentials struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// SiblingsConfig holds base URLs for inter-service HTTP calls.
type SiblingsConfig struct {
	AnalystURL      string `mapstructure:"analyst_url"`
	RiskURL         string `mapstructure:"risk_url"`
	ExecutorURL     string `mapstructure:"executor_url"`
	NotifierURL     string `mapstructure:"notifier_url"`
	OptimizerURL    string `mapstructure:"optimizer_url"`
	OrchestratorURL string `mapstructure:"orchestrator_url"`
}

// NotifyConfig maps severities to webhook sink URLs. An empty URL disables
// delivery for that severity (events still land in the recent list).
type NotifyConfig struct {
	SinkInfoURL     string `mapstructure:"sink_info_url"`
	SinkWarningURL  string `mapstructure:"sink_warning_url"`
	SinkCriticalURL string `mapstructure:"sink_critical_url"`
}

// IntegrationsConfig points the broker at ticketing and knowledge-base
// webhook endpoints. Empty URLs disable the respective target.
type IntegrationsConfig struct {
	TicketWebhookURL string `mapstructure:"ticket_webhook_url"`
	KBWebhookURL     string `mapstructure:"kb_webhook_url"`
}

// PostgresConfig configures the audit log store. When neither DSN nor Host
// is set the audit log is disabled and a noop recorder is used.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// Enabled reports whether an audit store should be opened.
func (p PostgresConfig) Enabled() bool {
	return p.DSN != "" || p.Host != ""
}

// ConnString returns the pgx connection string, composing one from the
// discrete POSTGRES_* fields when no DSN is given.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", p.User, p.Password, p.Host, port, p.Database)
}

// AdminConfig locates the pre-shared admin token.
type AdminConfig struct {
	TokenFile string `mapstructure:"token_file"`
}

// Token reads and trims the admin token from TokenFile. Empty TokenFile
// disables admin endpoints (they respond 401).
func (a AdminConfig) Token() (string, error) {
	if a.TokenFile == "" {
		return "", nil
	}
	raw, err := os.ReadFile(a.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read admin token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps viper keys to their environment variable names. These env
// names are part of the deployment contract and never change casually.
var envBindings = map[string]string{
	"service.port":               "PORT",
	"service.comm_mode":          "COMM_MODE",
	"redis.url":                  "REDIS_URL",
	"stream.idemp_ttl_seconds":   "STREAM_IDEMP_TTL_SECONDS",
	"stream.max_failures":        "STREAM_MAX_FAILURES",
	"pnl.start_equity":           "START_EQUITY",
	"pnl.daily_target_pct":       "DAILY_TARGET_PCT",
	"optimizer.enable_on_loss":   "ENABLE_OPT_ON_LOSS",
	"optimizer.min_loss":         "OPT_MIN_LOSS",
	"optimizer.cooldown_seconds": "OPT_COOLDOWN_SECONDS",

	"exchange.venue":               "EXCHANGE",
	"exchange.paper_price_default": "PAPER_PRICE_DEFAULT",
	"exchange.profit_per_trade":    "PROFIT_PER_TRADE",
	"exchange.fee_bps":             "EXCHANGE_FEE_BPS",
	"exchange.slippage_bps":        "SLIPPAGE_BPS",
	"exchange.binance.base_url":    "BINANCE_BASE_URL",
	"exchange.binance.api_key":     "BINANCE_API_KEY",
	"exchange.binance.api_secret":  "BINANCE_API_SECRET",
	"exchange.coinbase.base_url":   "COINBASE_BASE_URL",
	"exchange.coinbase.api_key":    "COINBASE_API_KEY",
	"exchange.coinbase.api_secret": "COINBASE_API_SECRET",
	"exchange.coinbase.passphrase": "COINBASE_PASSPHRASE",

	"siblings.analyst_url":      "ANALYST_URL",
	"siblings.risk_url":         "RISK_URL",
	"siblings.executor_url":     "EXECUTOR_URL",
	"siblings.notifier_url":     "NOTIFIER_URL",
	"siblings.optimizer_url":    "OPTIMIZER_URL",
	"siblings.orchestrator_url": "ORCHESTRATOR_URL",

	"notify.sink_info_url":            "NOTIFY_SINK_INFO_URL",
	"notify.sink_warning_url":         "NOTIFY_SINK_WARNING_URL",
	"notify.sink_critical_url":        "NOTIFY_SINK_CRITICAL_URL",
	"integrations.ticket_webhook_url": "TICKET_WEBHOOK_URL",
	"integrations.kb_webhook_url":     "KB_WEBHOOK_URL",

	"postgres.dsn":      "POSTGRES_DSN",
	"postgres.host":     "POSTGRES_HOST",
	"postgres.port":     "POSTGRES_PORT",
	"postgres.user":     "POSTGRES_USER",
	"postgres.password": "POSTGRES_PASSWORD",
	"postgres.database": "POSTGRES_DB",
	"admin.token_file":  "ADMIN_TOKEN_FILE",
	"logging.level":     "LOG_LEVEL",
	"logging.format":    "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.comm_mode", string(types.ModePubSub))
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("stream.idemp_ttl_seconds", 86400)
	v.SetDefault("stream.max_failures", 5)
	v.SetDefault("pnl.start_equity", 0.0)
	v.SetDefault("pnl.daily_target_pct", 1.0)
	v.SetDefault("optimizer.enable_on_loss", false)
	v.SetDefault("optimizer.min_loss", 0.0)
	v.SetDefault("optimizer.cooldown_seconds", 1800)
	v.SetDefault("exchange.venue", "paper")
	v.SetDefault("exchange.paper_price_default", 100.0)
	v.SetDefault("exchange.profit_per_trade", 5.0)
	v.SetDefault("exchange.fee_bps", 0.0)
	v.SetDefault("exchange.slippage_bps", 0.0)
	v.SetDefault("exchange.binance.base_url", "https://api.binance.com")
	v.SetDefault("exchange.coinbase.base_url", "https://api.exchange.coinbase.com")
	v.SetDefault("siblings.analyst_url", "http://localhost:8081")
	v.SetDefault("siblings.risk_url", "http://localhost:8082")
	v.SetDefault("siblings.executor_url", "http://localhost:8083")
	v.SetDefault("siblings.notifier_url", "http://localhost:8084")
	v.SetDefault("siblings.optimizer_url", "http://localhost:8085")
	v.SetDefault("siblings.orchestrator_url", "http://localhost:8080")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load builds the configuration from the environment, optionally layered on
// top of a YAML file named by CONFIG_FILE. Environment always wins.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges. Startup aborts on the
// first violation so misconfiguration surfaces before any component runs.
func (c *Config) Validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("PORT must be in (0,65535], got %d", c.Service.Port)
	}
	if !c.Service.Mode().Valid() {
		return fmt.Errorf("COMM_MODE must be one of: pubsub, http, hybrid (got %q)", c.Service.CommMode)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.PnL.StartEquity <= 0 {
		return fmt.Errorf("START_EQUITY must be > 0")
	}
	if c.PnL.DailyTargetPct <= 0 {
		return fmt.Errorf("DAILY_TARGET_PCT must be > 0")
	}
	if c.Stream.IdempTTLSeconds <= 0 {
		return fmt.Errorf("STREAM_IDEMP_TTL_SECONDS must be > 0")
	}
	if c.Stream.MaxFailures < 1 {
		return fmt.Errorf("STREAM_MAX_FAILURES must be >= 1")
	}
	if c.Optimizer.CooldownSeconds < 0 {
		return fmt.Errorf("OPT_COOLDOWN_SECONDS must be >= 0")
	}
	switch c.Exchange.Venue {
	case "paper":
	case "binance":
		if c.Exchange.Binance.APIKey == "" || c.Exchange.Binance.APISecret == "" {
			return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required when EXCHANGE=binance")
		}
	case "coinbase":
		if c.Exchange.Coinbase.APIKey == "" || c.Exchange.Coinbase.APISecret == "" {
			return fmt.Errorf("COINBASE_API_KEY and COINBASE_API_SECRET are required when EXCHANGE=coinbase")
		}
	default:
		return fmt.Errorf("EXCHANGE must be one of: paper, binance, coinbase (got %q)", c.Exchange.Venue)
	}
	return nil
}
