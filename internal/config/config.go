// Package config loads anchord configuration from file, environment and
// defaults.
//
// Keys are dotted (ledger.rpc_url); the matching environment variable
// replaces dots with underscores and is upper-cased (LEDGER_RPC_URL).
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/jmerrifield20/carbonanchor/internal/anchoring"
	"github.com/jmerrifield20/carbonanchor/internal/gas"
	"github.com/jmerrifield20/carbonanchor/internal/health"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/notify"
	"github.com/spf13/viper"
)

// Config is the full anchord configuration.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Ledger    Ledger    `mapstructure:"ledger"`
	Gas       Gas       `mapstructure:"gas"`
	Anchoring Anchoring `mapstructure:"anchoring"`
	Notify    Notify    `mapstructure:"notify"`
	Health    Health    `mapstructure:"health"`
	Log       Log       `mapstructure:"log"`
}

type Server struct {
	Port         int      `mapstructure:"port"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	RateLimitRPS int      `mapstructure:"rate_limit_rps"`
	// JWTSecretRef enables operator auth when set.
	JWTSecretRef string        `mapstructure:"jwt_secret_ref"`
	JWTIssuer    string        `mapstructure:"jwt_issuer"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

type Database struct {
	// URL empty selects the in-memory audit log and pending store.
	URL string `mapstructure:"url"`
}

type Ledger struct {
	RPCURL               string        `mapstructure:"rpc_url"`
	ChainID              int64         `mapstructure:"chain_id"`
	VerificationContract string        `mapstructure:"verification_contract"`
	CreditsContract      string        `mapstructure:"credits_contract"`
	SigningKeyRef        string        `mapstructure:"signing_key_ref"`
	Mock                 bool          `mapstructure:"mock"`
	ConfirmationTimeout  time.Duration `mapstructure:"confirmation_timeout"`
	ReceiptPollInterval  time.Duration `mapstructure:"receipt_poll_interval"`
	CallTimeout          time.Duration `mapstructure:"call_timeout"`
	ExplorerBaseURL      string        `mapstructure:"explorer_base_url"`
}

type Gas struct {
	MinPriceGwei       int64         `mapstructure:"min_price_gwei"`
	MaxPriceGwei       int64         `mapstructure:"max_price_gwei"`
	ReferencePriceGwei int64         `mapstructure:"reference_price_gwei"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
	MaxBatchSize       int           `mapstructure:"max_batch_size"`
	GasLimitBudget     uint64        `mapstructure:"gas_limit_budget"`
	PerItemGas         uint64        `mapstructure:"per_item_gas"`
	// RedisURL shares the price cache across replicas when set.
	RedisURL string `mapstructure:"redis_url"`
}

type Anchoring struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ReconcileWindow time.Duration `mapstructure:"reconcile_window"`
	ReconcilePoll   time.Duration `mapstructure:"reconcile_poll"`
	// ReconcileSchedule is a cron spec with a seconds field.
	ReconcileSchedule string `mapstructure:"reconcile_schedule"`
	Workers           int    `mapstructure:"workers"`
}

type Notify struct {
	URLs      []string      `mapstructure:"urls"`
	SecretRef string        `mapstructure:"secret_ref"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type Health struct {
	Interval      time.Duration `mapstructure:"interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	FailThreshold int           `mapstructure:"fail_threshold"`
}

type Log struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.jwt_secret_ref", "")
	v.SetDefault("server.jwt_issuer", "anchord")
	v.SetDefault("server.token_ttl", "12h")

	v.SetDefault("database.url", "")

	v.SetDefault("ledger.rpc_url", "http://localhost:8545")
	v.SetDefault("ledger.chain_id", 31337)
	v.SetDefault("ledger.verification_contract", "")
	v.SetDefault("ledger.credits_contract", "")
	v.SetDefault("ledger.signing_key_ref", "")
	v.SetDefault("ledger.mock", false)
	v.SetDefault("ledger.confirmation_timeout", "120s")
	v.SetDefault("ledger.receipt_poll_interval", "2s")
	v.SetDefault("ledger.call_timeout", "10s")
	v.SetDefault("ledger.explorer_base_url", "")

	v.SetDefault("gas.min_price_gwei", 1)
	v.SetDefault("gas.max_price_gwei", 200)
	v.SetDefault("gas.reference_price_gwei", 30)
	v.SetDefault("gas.cache_ttl", "30s")
	v.SetDefault("gas.query_timeout", "5s")
	v.SetDefault("gas.max_batch_size", 50)
	v.SetDefault("gas.gas_limit_budget", 8_000_000)
	v.SetDefault("gas.per_item_gas", 80_000)
	v.SetDefault("gas.redis_url", "")

	v.SetDefault("anchoring.max_attempts", 3)
	v.SetDefault("anchoring.base_delay", "2s")
	v.SetDefault("anchoring.max_delay", "30s")
	v.SetDefault("anchoring.reconcile_window", "60s")
	v.SetDefault("anchoring.reconcile_poll", "5s")
	v.SetDefault("anchoring.reconcile_schedule", "0 */5 * * * *")
	v.SetDefault("anchoring.workers", 4)

	v.SetDefault("notify.urls", []string{})
	v.SetDefault("notify.secret_ref", "")
	v.SetDefault("notify.timeout", "10s")

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.probe_timeout", "10s")
	v.SetDefault("health.fail_threshold", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
}

// Load reads configuration. An empty path searches configs/ and . for
// anchord.yaml; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("anchord")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &cfgNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Gas.MinPriceGwei > c.Gas.MaxPriceGwei {
		return fmt.Errorf("gas.min_price_gwei %d exceeds gas.max_price_gwei %d", c.Gas.MinPriceGwei, c.Gas.MaxPriceGwei)
	}
	if c.Anchoring.MaxAttempts < 1 {
		return errors.New("anchoring.max_attempts must be at least 1")
	}
	if !c.LedgerConfig().MockMode() && c.Ledger.RPCURL == "" {
		return errors.New("ledger.rpc_url is required in live mode")
	}
	return nil
}

// MockMode reports whether the ledger runs in mock mode.
func (c *Config) MockMode() bool {
	return c.LedgerConfig().MockMode()
}

// LedgerConfig returns the ledger client settings.
func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		RPCURL:              c.Ledger.RPCURL,
		ChainID:             c.Ledger.ChainID,
		ContractAddress:     c.Ledger.VerificationContract,
		CreditsContract:     c.Ledger.CreditsContract,
		SigningKeyRef:       c.Ledger.SigningKeyRef,
		ForceMock:           c.Ledger.Mock,
		ConfirmationTimeout: c.Ledger.ConfirmationTimeout,
		ReceiptPollInterval: c.Ledger.ReceiptPollInterval,
		CallTimeout:         c.Ledger.CallTimeout,
	}
}

// GasConfig returns the optimizer policy.
func (c *Config) GasConfig() gas.Config {
	cfg := gas.DefaultConfig()
	cfg.MinPrice = gwei(c.Gas.MinPriceGwei)
	cfg.MaxPrice = gwei(c.Gas.MaxPriceGwei)
	cfg.ReferencePrice = gwei(c.Gas.ReferencePriceGwei)
	cfg.QueryTimeout = c.Gas.QueryTimeout
	cfg.MaxBatchSize = c.Gas.MaxBatchSize
	cfg.GasLimitBudget = c.Gas.GasLimitBudget
	cfg.PerItemGas = c.Gas.PerItemGas
	return cfg
}

// AnchoringConfig returns the anchoring service settings.
func (c *Config) AnchoringConfig() anchoring.Config {
	cfg := anchoring.DefaultConfig()
	cfg.MaxAttempts = c.Anchoring.MaxAttempts
	cfg.BaseDelay = c.Anchoring.BaseDelay
	cfg.MaxDelay = c.Anchoring.MaxDelay
	cfg.ReconcileWindow = c.Anchoring.ReconcileWindow
	cfg.ReconcilePoll = c.Anchoring.ReconcilePoll
	cfg.Workers = c.Anchoring.Workers
	cfg.ExplorerBaseURL = c.Ledger.ExplorerBaseURL
	return cfg
}

// NotifyConfig returns the webhook settings.
func (c *Config) NotifyConfig() notify.Config {
	return notify.Config{URLs: c.Notify.URLs, SecretRef: c.Notify.SecretRef, Timeout: c.Notify.Timeout}
}

// HealthConfig returns the probe settings.
func (c *Config) HealthConfig() health.Config {
	return health.Config{
		CheckInterval: c.Health.Interval,
		ProbeTimeout:  c.Health.ProbeTimeout,
		FailThreshold: c.Health.FailThreshold,
	}
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.GWei))
}
