// Package config loads engine configuration from file and environment
// via viper. Routing policy and the provider registry are part of the
// config tree and may be hot-reloaded at runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds the transactional datastore settings
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig holds provider health tracker settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds notification sink settings
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// FeeConfig holds the platform fee schedule. Rates are fractions, not
// percentages: 0.025 means 2.5%.
type FeeConfig struct {
	PlatformRate   decimal.Decimal `mapstructure:"platform_rate"`
	ProcessingRate decimal.Decimal `mapstructure:"processing_rate"`
	ConversionRate decimal.Decimal `mapstructure:"conversion_rate"`
}

// RiskConfig holds scoring weights and tier thresholds. These require
// tuning against observed fraud data and are deliberately not
// compile-time constants.
type RiskConfig struct {
	SuspiciousActivityWeight int             `mapstructure:"suspicious_activity_weight"`
	HighAmountWeight         int             `mapstructure:"high_amount_weight"`
	CryptoWeight             int             `mapstructure:"crypto_weight"`
	HighAmountThreshold      decimal.Decimal `mapstructure:"high_amount_threshold"`
	TierLowMax               int             `mapstructure:"tier_low_max"`
	TierMediumMax            int             `mapstructure:"tier_medium_max"`
	TierHighMax              int             `mapstructure:"tier_high_max"`

	// Optional external anomaly-signal service; device and geolocation
	// factors are skipped when unset.
	SignalsBaseURL string        `mapstructure:"signals_base_url"`
	SignalsTimeout time.Duration `mapstructure:"signals_timeout"`
}

// ProviderConfig is one provider registry entry
type ProviderConfig struct {
	Name                 string          `mapstructure:"name"`
	GatewayVariant       string          `mapstructure:"gateway_variant"`
	MerchantID           string          `mapstructure:"merchant_id"`
	AcquirerID           string          `mapstructure:"acquirer_id"`
	Instruments          []string        `mapstructure:"instruments"`
	Currencies           []string        `mapstructure:"currencies"`
	Regions              []string        `mapstructure:"regions"`
	FeeFixed             decimal.Decimal `mapstructure:"fee_fixed"`
	FeePercent           decimal.Decimal `mapstructure:"fee_percent"`
	SupportsEscrow       bool            `mapstructure:"supports_escrow"`
	SupportsSubscription bool            `mapstructure:"supports_subscription"`
	SupportsRefund       bool            `mapstructure:"supports_refund"`
}

// PolicyRuleConfig is one routing policy rule
type PolicyRuleConfig struct {
	Field    string `mapstructure:"field"`
	Operator string `mapstructure:"operator"`
	Value    string `mapstructure:"value"`
	Provider string `mapstructure:"provider"`
	Priority int    `mapstructure:"priority"`
	Fallback string `mapstructure:"fallback"`
}

// RoutingConfig holds the routing policy rules and optimization toggles
type RoutingConfig struct {
	Rules             []PolicyRuleConfig `mapstructure:"rules"`
	MinimizeCost      bool               `mapstructure:"minimize_cost"`
	MaximizeSuccess   bool               `mapstructure:"maximize_success"`
	OptimizeSpeed     bool               `mapstructure:"optimize_speed"`
	GeographicRouting bool               `mapstructure:"geographic_routing"`
	HomeRegion        string             `mapstructure:"home_region"`
}

// ComplianceConfig points at the external screening service
type ComplianceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RatesConfig points at the external exchange-rate source
type RatesConfig struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LifecycleConfig bounds provider execution
type LifecycleConfig struct {
	ProviderTimeout   time.Duration `mapstructure:"provider_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// Config is the engine's full configuration tree
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Fees       FeeConfig        `mapstructure:"fees"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Providers  []ProviderConfig `mapstructure:"providers"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Rates      RatesConfig      `mapstructure:"rates"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("fees.platform_rate", "0.025")
	v.SetDefault("fees.processing_rate", "0.003")
	v.SetDefault("fees.conversion_rate", "0.01")
	v.SetDefault("risk.suspicious_activity_weight", 25)
	v.SetDefault("risk.high_amount_weight", 15)
	v.SetDefault("risk.crypto_weight", 10)
	v.SetDefault("risk.high_amount_threshold", "1000")
	v.SetDefault("risk.tier_low_max", 20)
	v.SetDefault("risk.tier_medium_max", 50)
	v.SetDefault("risk.tier_high_max", 80)
	v.SetDefault("risk.signals_timeout", "5s")
	v.SetDefault("lifecycle.provider_timeout", "10s")
	v.SetDefault("lifecycle.reconcile_interval", "1m")
	v.SetDefault("compliance.timeout", "5s")
	v.SetDefault("rates.name", "static")
	v.SetDefault("rates.timeout", "5s")
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the ORCHESTRATOR_ prefix with
// underscores, e.g. ORCHESTRATOR_SERVER_ADDR.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Reload re-unmarshals the config tree, typically from a viper
// WatchConfig callback. The caller swaps derived snapshots atomically.
func Reload(v *viper.Viper) (*Config, error) {
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decimalDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
