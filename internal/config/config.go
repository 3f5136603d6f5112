// Package config содержит логику чтения конфигурации сервиса расчётов.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Значения параметра StorageBackend.
const (
	BackendPostgres = "postgres"
	BackendFile     = "file"
)

// Config содержит параметры конфигурации сервиса расчётов.
// Бэкенд хранилища выбирается один раз на старте и передаётся компонентам
// явно; внутри компонентов окружение не читается.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	LedgerRPCAddress string `env:"LEDGER_RPC_ADDRESS"`
	StorageBackend   string `env:"STORAGE_BACKEND"`
	StoreFile        string `env:"STORE_FILE"`
	CredentialSecret string `env:"CREDENTIAL_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envLedgerAddress := cfg.LedgerRPCAddress
	envBackend := cfg.StorageBackend
	envStoreFile := cfg.StoreFile
	envSecret := cfg.CredentialSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.LedgerRPCAddress, "l", "", "external ledger RPC address")
	flag.StringVar(&cfg.StorageBackend, "s", "", "storage backend: postgres or file")
	flag.StringVar(&cfg.StoreFile, "f", "settlement.json", "path to the file store (file backend)")
	flag.StringVar(&cfg.CredentialSecret, "k", "", "secret key for credential signing")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envLedgerAddress != "" {
		cfg.LedgerRPCAddress = envLedgerAddress
	}
	if envBackend != "" {
		cfg.StorageBackend = envBackend
	}
	if envStoreFile != "" {
		cfg.StoreFile = envStoreFile
	}
	if envSecret != "" {
		cfg.CredentialSecret = envSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StoreFile == "" {
		cfg.StoreFile = "settlement.json"
	}

	if cfg.StorageBackend == "" {
		if cfg.DatabaseURI != "" {
			cfg.StorageBackend = BackendPostgres
		} else {
			cfg.StorageBackend = BackendFile
		}
	}

	switch cfg.StorageBackend {
	case BackendPostgres:
		if cfg.DatabaseURI == "" {
			return nil, fmt.Errorf("postgres backend requires database URI")
		}
	case BackendFile:
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}

	return cfg, nil
}
