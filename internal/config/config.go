// Package config loads the service configuration from the environment.
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

	"github.com/yieldedge/yield-engine/internal/flash"
	"github.com/yieldedge/yield-engine/internal/model"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendEVM      = "evm"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config holds all service configuration.
type Config struct {
	Port          string
	LedgerBackend string
	DatabaseURL   string
	RedisURL      string

	EVM    EVMConfig
	Assets []AssetConfig

	InstantYieldRate decimal.Decimal
	MinLockDays      int
	MaxLockDays      int

	// LedgerTimeout bounds every request's calls to the external ledger.
	LedgerTimeout time.Duration
	// LockTTL is how long a Redis user lock survives a crashed holder.
	LockTTL time.Duration
}

// EVMConfig holds the on-chain ledger settings.
type EVMConfig struct {
	RPCURL     string
	PrivateKey string
}

// AssetConfig names one vault asset and, for the EVM ledger, its contracts.
type AssetConfig struct {
	Name           string
	VaultAddress   string
	FactoryAddress string
}

// Load reads .env if present, then the environment, and validates the result.
func Load() (*Config, error) {
	// A missing .env file is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LedgerBackend: strings.ToLower(getEnv("LEDGER_BACKEND", BackendMemory)),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		EVM: EVMConfig{
			RPCURL:     getEnv("EVM_RPC_URL", ""),
			PrivateKey: getEnv("EVM_PRIVATE_KEY", ""),
		},
	}

	var err error
	if cfg.InstantYieldRate, err = decimal.NewFromString(getEnv("INSTANT_YIELD_RATE", flash.DefaultRate.String())); err != nil {
		return nil, fmt.Errorf("%w: INSTANT_YIELD_RATE: %v", ErrInvalid, err)
	}
	if cfg.MinLockDays, err = getInt("MIN_LOCK_DAYS", flash.DefaultMinDays); err != nil {
		return nil, err
	}
	if cfg.MaxLockDays, err = getInt("MAX_LOCK_DAYS", flash.DefaultMaxDays); err != nil {
		return nil, err
	}
	if cfg.LedgerTimeout, err = getDuration("LEDGER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = getDuration("LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	for _, raw := range strings.Split(getEnv("ASSETS", model.AssetUSDY+","+model.AssetMETH), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		name, err := model.ParseAsset(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: ASSETS: %v", ErrInvalid, err)
		}
		prefix := strings.ToUpper(name)
		cfg.Assets = append(cfg.Assets, AssetConfig{
			Name:           name,
			VaultAddress:   getEnv(prefix+"_VAULT_ADDRESS", ""),
			FactoryAddress: getEnv(prefix+"_FACTORY_ADDRESS", ""),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements of the selected backend.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("%w: ASSETS is empty", ErrInvalid)
	}
	if _, err := flash.NewCalculator(c.InstantYieldRate, c.MinLockDays, c.MaxLockDays); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.LedgerTimeout <= 0 || c.LockTTL <= 0 {
		return fmt.Errorf("%w: LEDGER_TIMEOUT and LOCK_TTL must be positive", ErrInvalid)
	}

	switch c.LedgerBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres ledger", ErrInvalid)
		}
	case BackendEVM:
		if c.EVM.RPCURL == "" || c.EVM.PrivateKey == "" {
			return fmt.Errorf("%w: EVM_RPC_URL and EVM_PRIVATE_KEY are required for the evm ledger", ErrInvalid)
		}
		for _, a := range c.Assets {
			if !model.IsAddress(a.VaultAddress) || !model.IsAddress(a.FactoryAddress) {
				return fmt.Errorf("%w: %s_VAULT_ADDRESS and %s_FACTORY_ADDRESS must be hex addresses",
					ErrInvalid, strings.ToUpper(a.Name), strings.ToUpper(a.Name))
			}
		}
	default:
		return fmt.Errorf("%w: unknown LEDGER_BACKEND %q", ErrInvalid, c.LedgerBackend)
	}
	return nil
}

// AssetNames returns the configured asset symbols in order.
func (c *Config) AssetNames() []string {
	names := make([]string, len(c.Assets))
	for i, a := range c.Assets {
		names[i] = a.Name
	}
	return names
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return v, nil
}
