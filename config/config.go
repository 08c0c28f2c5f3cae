// Package config loads the pay402 daemon configuration from a YAML file,
// an optional .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/vitwit/pay402/types"
	"github.com/vitwit/pay402/utils"
)

const (
	LedgerEVM    = "evm"
	LedgerMemory = "memory"

	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address" validate:"required"`
		AllowedOrigins  []string      `yaml:"allowedOrigins"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level" validate:"oneof=debug info warn error"`
	} `yaml:"log"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Chain struct {
		Network            string        `yaml:"network" validate:"required,oneof=base base-sepolia local"`
		Ledger             string        `yaml:"ledger" validate:"oneof=evm memory"`
		RPCURL             string        `yaml:"rpcUrl" validate:"required_if=Ledger evm"`
		SignerKey          string        `yaml:"signerKey"`
		USDCAddress        string        `yaml:"usdcAddress" validate:"required,evmaddress"`
		FacilitatorAddress string        `yaml:"facilitatorAddress" validate:"required,evmaddress"`
		TokenAddress       string        `yaml:"tokenAddress" validate:"required_if=Ledger evm"`
		MinConfirmations   uint64        `yaml:"minConfirmations" validate:"gte=1"`
		Timeout            time.Duration `yaml:"timeout" validate:"gt=0"`
	} `yaml:"chain"`

	Pricing struct {
		CreditsPerUnit int64         `yaml:"creditsPerUnit" validate:"gt=0"`
		MinPayment     string        `yaml:"minPayment" validate:"decimal"`
		MaxPayment     string        `yaml:"maxPayment" validate:"decimal"`
		Decimals       int           `yaml:"decimals" validate:"gte=0,lte=18"`
		ClaimTTL       time.Duration `yaml:"claimTTL" validate:"gt=0"`
		SweepInterval  time.Duration `yaml:"sweepInterval" validate:"gt=0"`
		PayTo          string        `yaml:"payTo" validate:"omitempty,evmaddress"`
		CreditSymbol   string        `yaml:"creditSymbol"`
	} `yaml:"pricing"`

	Store struct {
		Backend       string        `yaml:"backend" validate:"oneof=memory redis postgres"`
		RedisAddr     string        `yaml:"redisAddr" validate:"required_if=Backend redis"`
		RedisPassword string        `yaml:"redisPassword"`
		RedisDB       int           `yaml:"redisDB"`
		DatabaseURL   string        `yaml:"databaseUrl" validate:"required_if=Backend postgres"`
		Lease         time.Duration `yaml:"lease" validate:"gt=0"`
	} `yaml:"store"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	var c Config
	c.Server.Address = ":3001"
	c.Server.AllowedOrigins = []string{"http://localhost:3000"}
	c.Server.ShutdownTimeout = 15 * time.Second

	c.Log.Level = "info"

	c.Chain.Network = string(types.NetworkBase)
	c.Chain.Ledger = LedgerEVM
	c.Chain.RPCURL = "https://mainnet.base.org"
	c.Chain.MinConfirmations = 1
	c.Chain.Timeout = 30 * time.Second

	c.Pricing.CreditsPerUnit = 10000
	c.Pricing.MinPayment = "0.1"
	c.Pricing.MaxPayment = "10000"
	c.Pricing.Decimals = 6
	c.Pricing.ClaimTTL = 10 * time.Minute
	c.Pricing.SweepInterval = time.Minute
	c.Pricing.CreditSymbol = "PAY402"

	c.Store.Backend = StoreMemory
	c.Store.Lease = 2 * time.Minute
	return &c
}

// Load reads path (if not empty), then envFile (if present), then the
// environment, and validates the result.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Chain.USDCAddress == "" {
		cfg.Chain.USDCAddress = cfg.Network().DefaultUSDC()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	if port, ok := os.LookupEnv("PORT"); ok && port != "" {
		c.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}
	if origins, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok && origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	setString("LOG_LEVEL", &c.Log.Level)
	if v, ok := os.LookupEnv("METRICS_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("METRICS_ENABLED: %w", err)
		}
		c.Metrics.Enabled = enabled
	}

	setString("NETWORK", &c.Chain.Network)
	setString("LEDGER", &c.Chain.Ledger)
	setString("BASE_RPC_URL", &c.Chain.RPCURL)
	setString("PRIVATE_KEY", &c.Chain.SignerKey)
	setString("USDC_ADDRESS", &c.Chain.USDCAddress)
	setString("FACILITATOR_ADDRESS", &c.Chain.FacilitatorAddress)
	setString("PAY402_TOKEN_ADDRESS", &c.Chain.TokenAddress)
	setString("PAYMENT_RECEIVER_ADDRESS", &c.Pricing.PayTo)

	setString("STORE_BACKEND", &c.Store.Backend)
	setString("REDIS_ADDR", &c.Store.RedisAddr)
	setString("REDIS_PASSWORD", &c.Store.RedisPassword)
	setString("DATABASE_URL", &c.Store.DatabaseURL)
	return nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := utils.Validator().Struct(c); err != nil {
		return &types.X402Error{Kind: types.KindValidation, Code: types.ErrConfigError, Message: fmt.Sprintf("invalid config: %v", err)}
	}

	if c.Chain.TokenAddress != "" {
		if err := utils.ValidateAddress(c.Chain.TokenAddress); err != nil {
			return configError("tokenAddress: %v", err)
		}
	}

	if !types.Network(c.Chain.Network).IsSupported() {
		return configError("unsupported network %q", c.Chain.Network)
	}

	minPay, maxPay := c.MinPayment(), c.MaxPayment()
	if !minPay.IsPositive() || minPay.GreaterThan(maxPay) {
		return configError("pricing bounds [%s, %s] are invalid", c.Pricing.MinPayment, c.Pricing.MaxPayment)
	}

	// The lease has to outlast one verify plus one write.
	if c.Store.Lease <= 2*c.Chain.Timeout {
		return configError("store lease %s must exceed twice the chain timeout %s", c.Store.Lease, c.Chain.Timeout)
	}

	if c.Chain.Ledger == LedgerEVM && c.Chain.SignerKey == "" {
		return configError("PRIVATE_KEY is required to settle on the evm ledger")
	}
	return nil
}

func configError(format string, args ...interface{}) error {
	return &types.X402Error{Kind: types.KindValidation, Code: types.ErrConfigError, Message: fmt.Sprintf(format, args...)}
}

// MinPayment returns the validated lower payment bound.
func (c *Config) MinPayment() decimal.Decimal {
	return decimal.RequireFromString(c.Pricing.MinPayment)
}

// MaxPayment returns the validated upper payment bound.
func (c *Config) MaxPayment() decimal.Decimal {
	return decimal.RequireFromString(c.Pricing.MaxPayment)
}

// PayTo is the payment receiver, falling back to the facilitator contract.
func (c *Config) PayTo() string {
	if c.Pricing.PayTo != "" {
		return c.Pricing.PayTo
	}
	return c.Chain.FacilitatorAddress
}

func (c *Config) Network() types.Network {
	return types.Network(c.Chain.Network)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
