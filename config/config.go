// Package config loads marketd settings from defaults, an optional YAML file and MARKET_* environment
// variables, in increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agentwork-backend/core/marketplace"
	"agentwork-backend/services"
	storage "agentwork-backend/storage/marketplace"
)

// EnvPrefix is prepended to every environment override: store.pg_dsn becomes MARKET_STORE_PG_DSN.
const EnvPrefix = "MARKET"

// Config holds all configuration for marketd.
type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Platform    PlatformConfig    `mapstructure:"platform"`
	Fees        FeesConfig        `mapstructure:"fees"`
	Escrow      EscrowConfig      `mapstructure:"escrow"`
	Dispute     DisputeConfig     `mapstructure:"dispute"`
	AutoResolve AutoResolveConfig `mapstructure:"autoresolve"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Judge       JudgeConfig       `mapstructure:"judge"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	PGDSN  string `mapstructure:"pg_dsn"`
}

// PlatformConfig holds the custody wallet.
type PlatformConfig struct {
	Wallet string `mapstructure:"wallet"`
}

// FeesConfig holds the platform fee in basis points.
type FeesConfig struct {
	PlatformBps int `mapstructure:"platform_bps"`
}

// EscrowConfig selects the escrow oracle.
type EscrowConfig struct {
	Oracle            string        `mapstructure:"oracle"`
	GatewayURL        string        `mapstructure:"gateway_url"`
	GatewayToken      string        `mapstructure:"gateway_token"`
	GatewayTimeout    time.Duration `mapstructure:"gateway_timeout"`
	MaxPayoutAttempts int           `mapstructure:"max_payout_attempts"`
}

// DisputeConfig holds dispute policy.
type DisputeConfig struct {
	ResponseWindow         time.Duration `mapstructure:"response_window"`
	MinTaskHistory         int           `mapstructure:"min_task_history"`
	LowTrustThreshold      int           `mapstructure:"low_trust_threshold"`
	AutoApplyJudge         bool          `mapstructure:"auto_apply_judge"`
	AutoApplyMinConfidence float64       `mapstructure:"auto_apply_min_confidence"`
}

// AutoResolveConfig drives the sweep.
type AutoResolveConfig struct {
	ReviewTimeout         time.Duration `mapstructure:"review_timeout"`
	Interval              time.Duration `mapstructure:"interval"`
	NeitherPartyRefundPct int           `mapstructure:"neither_party_refund_pct"`
}

// LimitConfig is one sliding-window quota.
type LimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimit converts the quota for the storage layer.
func (l LimitConfig) RateLimit() storage.RateLimit {
	return storage.RateLimit{Limit: l.Limit, Window: l.Window}
}

// RateLimitConfig holds the quotas and their backend.
type RateLimitConfig struct {
	Backend          string      `mapstructure:"backend"`
	Bids             LimitConfig `mapstructure:"bids"`
	Disputes         LimitConfig `mapstructure:"disputes"`
	DisputesLowTrust LimitConfig `mapstructure:"disputes_low_trust"`
	// EvictionInterval is how often the memory backend drops idle keys.
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
}

// NotifyConfig sizes the notifier.
type NotifyConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	DeadLetterPath string        `mapstructure:"dead_letter_path"`
}

// JudgeConfig selects the verdict oracle.
type JudgeConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
}

// MetricsConfig holds the Prometheus listener address. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// MCPConfig selects how tools are served: stdio for a single local client, http for many.
type MCPConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPAddr  string `mapstructure:"http_addr"`
}

// APIKey maps a bearer key to the identity it acts as.
type APIKey struct {
	Key    string `mapstructure:"key" yaml:"key"`
	Kind   string `mapstructure:"kind" yaml:"kind"`
	ID     string `mapstructure:"id" yaml:"id"`
	Wallet string `mapstructure:"wallet" yaml:"wallet"`
	Admin  bool   `mapstructure:"admin" yaml:"admin"`
}

// AuthConfig lists API keys inline or in a separate YAML file.
type AuthConfig struct {
	APIKeys  []APIKey `mapstructure:"api_keys"`
	KeysFile string   `mapstructure:"keys_file"`
}

// Load reads configuration. path may be empty, in which case only defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("judge.api_key", EnvPrefix+"_JUDGE_API_KEY", "ANTHROPIC_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	d := services.DefaultConfig()

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.pg_dsn", "")

	v.SetDefault("platform.wallet", d.PlatformWallet)
	v.SetDefault("fees.platform_bps", d.PlatformFeeBps)

	v.SetDefault("escrow.oracle", "mock")
	v.SetDefault("escrow.gateway_url", "")
	v.SetDefault("escrow.gateway_token", "")
	v.SetDefault("escrow.gateway_timeout", "30s")
	v.SetDefault("escrow.max_payout_attempts", d.MaxPayoutAttempts)

	v.SetDefault("dispute.response_window", d.DisputeResponseWindow.String())
	v.SetDefault("dispute.min_task_history", d.MinTaskHistory)
	v.SetDefault("dispute.low_trust_threshold", d.LowTrustThreshold)
	v.SetDefault("dispute.auto_apply_judge", d.AutoApplyJudge)
	v.SetDefault("dispute.auto_apply_min_confidence", d.AutoApplyMinConfidence)

	v.SetDefault("autoresolve.review_timeout", d.ReviewTimeout.String())
	v.SetDefault("autoresolve.interval", "1h")
	v.SetDefault("autoresolve.neither_party_refund_pct", d.NeitherPartyRefundPct)

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.eviction_interval", "10m")
	v.SetDefault("ratelimit.bids.limit", d.BidLimit.Limit)
	v.SetDefault("ratelimit.bids.window", d.BidLimit.Window.String())
	v.SetDefault("ratelimit.disputes.limit", d.DisputeLimit.Limit)
	v.SetDefault("ratelimit.disputes.window", d.DisputeLimit.Window.String())
	v.SetDefault("ratelimit.disputes_low_trust.limit", d.DisputeLowTrustLimit.Limit)
	v.SetDefault("ratelimit.disputes_low_trust.window", d.DisputeLowTrustLimit.Window.String())

	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.webhook_timeout", "10s")
	v.SetDefault("notify.dead_letter_path", "marketd-deadletters.db")

	v.SetDefault("judge.provider", "none")
	v.SetDefault("judge.model", "")
	v.SetDefault("judge.api_key", "")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("mcp.http_addr", ":3002")

	v.SetDefault("auth.keys_file", "")
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PGDSN == "" {
			return fmt.Errorf("store.pg_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q (memory|postgres)", c.Store.Driver)
	}
	if err := marketplace.ValidateWallet(c.Platform.Wallet); err != nil {
		return fmt.Errorf("platform.wallet: %w", err)
	}
	if c.Fees.PlatformBps < 0 || c.Fees.PlatformBps >= marketplace.BasisPoints {
		return fmt.Errorf("fees.platform_bps must be in [0, %d), got %d", marketplace.BasisPoints, c.Fees.PlatformBps)
	}
	switch c.Escrow.Oracle {
	case "mock":
	case "gateway":
		if c.Escrow.GatewayURL == "" {
			return fmt.Errorf("escrow.gateway_url is required for the gateway oracle")
		}
	default:
		return fmt.Errorf("unknown escrow.oracle %q (mock|gateway)", c.Escrow.Oracle)
	}
	if c.Escrow.MaxPayoutAttempts < 1 {
		return fmt.Errorf("escrow.max_payout_attempts must be at least 1")
	}
	if c.Dispute.ResponseWindow <= 0 || c.AutoResolve.ReviewTimeout <= 0 || c.AutoResolve.Interval <= 0 {
		return fmt.Errorf("dispute.response_window, autoresolve.review_timeout and autoresolve.interval must be positive")
	}
	if p := c.AutoResolve.NeitherPartyRefundPct; p < 0 || p > 100 {
		return fmt.Errorf("autoresolve.neither_party_refund_pct must be in [0, 100], got %d", p)
	}
	if conf := c.Dispute.AutoApplyMinConfidence; conf < 0 || conf > 1 {
		return fmt.Errorf("dispute.auto_apply_min_confidence must be in [0, 1], got %v", conf)
	}
	switch c.RateLimit.Backend {
	case "memory":
		if c.RateLimit.EvictionInterval <= 0 {
			return fmt.Errorf("ratelimit.eviction_interval must be positive")
		}
	case "postgres":
		if c.Store.PGDSN == "" {
			return fmt.Errorf("ratelimit.backend postgres needs store.pg_dsn")
		}
	default:
		return fmt.Errorf("unknown ratelimit.backend %q (memory|postgres)", c.RateLimit.Backend)
	}
	for name, l := range map[string]LimitConfig{
		"bids":               c.RateLimit.Bids,
		"disputes":           c.RateLimit.Disputes,
		"disputes_low_trust": c.RateLimit.DisputesLowTrust,
	} {
		if l.Limit < 1 || l.Window <= 0 {
			return fmt.Errorf("ratelimit.%s needs a positive limit and window", name)
		}
	}
	switch c.Judge.Provider {
	case "none", "":
		if c.Dispute.AutoApplyJudge {
			return fmt.Errorf("dispute.auto_apply_judge needs a judge.provider")
		}
	case "anthropic":
	default:
		return fmt.Errorf("unknown judge.provider %q (none|anthropic)", c.Judge.Provider)
	}
	switch c.MCP.Transport {
	case "stdio":
	case "http":
		if c.MCP.HTTPAddr == "" {
			return fmt.Errorf("mcp.http_addr is required for the http transport")
		}
	default:
		return fmt.Errorf("unknown mcp.transport %q (stdio|http)", c.MCP.Transport)
	}
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" || k.ID == "" {
			return fmt.Errorf("auth.api_keys[%d] needs key and id", i)
		}
	}
	return nil
}

// Services maps the file settings onto the services tunables.
func (c *Config) Services() services.Config {
	return services.Config{
		PlatformWallet:         c.Platform.Wallet,
		PlatformFeeBps:         c.Fees.PlatformBps,
		MaxPayoutAttempts:      c.Escrow.MaxPayoutAttempts,
		DisputeResponseWindow:  c.Dispute.ResponseWindow,
		MinTaskHistory:         c.Dispute.MinTaskHistory,
		LowTrustThreshold:      c.Dispute.LowTrustThreshold,
		AutoApplyJudge:         c.Dispute.AutoApplyJudge,
		AutoApplyMinConfidence: c.Dispute.AutoApplyMinConfidence,
		ReviewTimeout:          c.AutoResolve.ReviewTimeout,
		NeitherPartyRefundPct:  c.AutoResolve.NeitherPartyRefundPct,
		BidLimit:               c.RateLimit.Bids.RateLimit(),
		DisputeLimit:           c.RateLimit.Disputes.RateLimit(),
		DisputeLowTrustLimit:   c.RateLimit.DisputesLowTrust.RateLimit(),
	}
}

// NotifierConfig sizes the notifier queue.
func (c *Config) NotifierConfig() services.NotifierConfig {
	return services.NotifierConfig{Workers: c.Notify.Workers, QueueSize: c.Notify.QueueSize}
}
