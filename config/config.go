// Package config loads the escrowd runtime configuration from a TOML file,
// with environment overrides for secrets and endpoints so deployments never
// write credentials to disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "15s", "24h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the escrowd service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	DatabaseDSN   string `toml:"DatabaseDSN"`
	RedisAddr     string `toml:"RedisAddr"`
	RedisPassword string `toml:"RedisPassword"`
	RedisDB       int    `toml:"RedisDB"`

	JWTSecret string `toml:"JWTSecret"`

	Chain             string   `toml:"Chain"`
	RPCURL            string   `toml:"RPCURL"`
	EscrowContract    string   `toml:"EscrowContract"`
	ConfirmationDepth uint64   `toml:"ConfirmationDepth"`
	BatchCap          uint64   `toml:"BatchCap"`
	SyncInterval      Duration `toml:"SyncInterval"`
	SourceCallTimeout Duration `toml:"SourceCallTimeout"`

	SweepInterval Duration `toml:"SweepInterval"`
	SweepLockTTL  Duration `toml:"SweepLockTTL"`

	SellerResponseWindow Duration `toml:"SellerResponseWindow"`
	BuyerConfirmWindow   Duration `toml:"BuyerConfirmWindow"`
	DisputeWindow        Duration `toml:"DisputeWindow"`
}

// Load reads the TOML file at path (if it exists), applies environment
// overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if val := strings.TrimSpace(os.Getenv(key)); val != "" {
			*dst = val
		}
	}
	setString(&cfg.ListenAddress, "ESCROWD_LISTEN")
	setString(&cfg.Environment, "ESCROWD_ENV")
	setString(&cfg.DatabaseDSN, "ESCROWD_DATABASE_DSN")
	setString(&cfg.RedisAddr, "ESCROWD_REDIS_ADDR")
	setString(&cfg.RedisPassword, "ESCROWD_REDIS_PASSWORD")
	setString(&cfg.JWTSecret, "ESCROWD_JWT_SECRET")
	setString(&cfg.RPCURL, "ESCROWD_RPC_URL")
	setString(&cfg.EscrowContract, "ESCROWD_ESCROW_CONTRACT")
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.Chain == "" {
		cfg.Chain = "bsc"
	}
	if cfg.ConfirmationDepth == 0 {
		cfg.ConfirmationDepth = 15
	}
	if cfg.BatchCap == 0 {
		cfg.BatchCap = 2000
	}
	if cfg.SyncInterval.Duration <= 0 {
		cfg.SyncInterval.Duration = 15 * time.Second
	}
	if cfg.SourceCallTimeout.Duration <= 0 {
		cfg.SourceCallTimeout.Duration = 10 * time.Second
	}
	if cfg.SweepInterval.Duration <= 0 {
		cfg.SweepInterval.Duration = time.Minute
	}
	if cfg.SweepLockTTL.Duration <= 0 {
		cfg.SweepLockTTL.Duration = 2 * time.Minute
	}
	if cfg.SellerResponseWindow.Duration <= 0 {
		cfg.SellerResponseWindow.Duration = 24 * time.Hour
	}
	if cfg.BuyerConfirmWindow.Duration <= 0 {
		cfg.BuyerConfirmWindow.Duration = 72 * time.Hour
	}
	if cfg.DisputeWindow.Duration <= 0 {
		cfg.DisputeWindow.Duration = 7 * 24 * time.Hour
	}
}

func (cfg *Config) validate() error {
	if cfg.DatabaseDSN == "" {
		return errors.New("DatabaseDSN is required")
	}
	if cfg.RPCURL == "" {
		return errors.New("RPCURL is required")
	}
	if cfg.EscrowContract == "" {
		return errors.New("EscrowContract is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWTSecret is required")
	}
	if cfg.Environment == "production" && cfg.JWTSecret == "change-me-in-production" {
		return errors.New("JWTSecret must be changed from default in production")
	}
	return nil
}
