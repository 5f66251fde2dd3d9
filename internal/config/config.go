package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

const (
	StoreModePostgres = "postgres"
	StoreModeMemory   = "memory"

	LedgerModeRPC    = "rpc"
	LedgerModeMemory = "memory"
)

type Config struct {
	DBSource  string
	Port      string
	Env       string
	LogLevel  string
	StoreMode string

	LedgerMode    string
	LedgerRPCURL  string
	LedgerTimeout time.Duration

	IssuerSeed       string
	DistributionSeed string
	OperationalSeed  string
	FiatCurrency     string
	IssuerDomain     string

	// SeedEncryptionKey seals custodial seeds at rest (AES-256).
	SeedEncryptionKey []byte

	RedisAddr     string
	RedisPassword string
}

func Load() (*Config, error) {
	storeMode := getEnv("STORE_MODE", StoreModePostgres)
	if storeMode != StoreModePostgres && storeMode != StoreModeMemory {
		return nil, fmt.Errorf("STORE_MODE must be %q or %q", StoreModePostgres, StoreModeMemory)
	}

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" && storeMode == StoreModePostgres {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	ledgerMode := getEnv("LEDGER_MODE", LedgerModeRPC)
	if ledgerMode != LedgerModeRPC && ledgerMode != LedgerModeMemory {
		return nil, fmt.Errorf("LEDGER_MODE must be %q or %q", LedgerModeRPC, LedgerModeMemory)
	}

	timeout, err := time.ParseDuration(getEnv("LEDGER_TIMEOUT", "30s"))
	if err != nil || timeout <= 0 {
		return nil, fmt.Errorf("LEDGER_TIMEOUT must be a positive duration")
	}

	cfg := &Config{
		DBSource:         dbSource,
		Port:             getEnv("SERVER_PORT", "8080"),
		Env:              getEnv("ENVIRONMENT", "development"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		StoreMode:        storeMode,
		LedgerMode:       ledgerMode,
		LedgerRPCURL:     os.Getenv("LEDGER_RPC_URL"),
		LedgerTimeout:    timeout,
		IssuerSeed:       os.Getenv("ISSUER_WALLET_SEED"),
		DistributionSeed: os.Getenv("DISTRIBUTION_WALLET_SEED"),
		OperationalSeed:  os.Getenv("OPERATIONAL_WALLET_SEED"),
		FiatCurrency:     getEnv("FIAT_CURRENCY", "AED"),
		IssuerDomain:     os.Getenv("ISSUER_DOMAIN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
	}

	if ledgerMode == LedgerModeRPC {
		// The node signs with custodial seeds, so it must be one the platform runs.
		if cfg.LedgerRPCURL == "" {
			return nil, fmt.Errorf("LEDGER_RPC_URL is required in rpc ledger mode")
		}
		if cfg.IssuerSeed == "" || cfg.DistributionSeed == "" || cfg.OperationalSeed == "" {
			return nil, fmt.Errorf("ISSUER_WALLET_SEED, DISTRIBUTION_WALLET_SEED and OPERATIONAL_WALLET_SEED are required in rpc ledger mode")
		}
	}

	if raw := os.Getenv("SEED_ENCRYPTION_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("SEED_ENCRYPTION_KEY must be 64 hex characters")
		}
		cfg.SeedEncryptionKey = key
	} else if storeMode == StoreModePostgres {
		return nil, fmt.Errorf("SEED_ENCRYPTION_KEY environment variable is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
