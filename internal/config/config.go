// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Package config provides configuration management for Custodia.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables > optional YAML config file >
// built-in defaults. Validation is eager: a missing master key or missing
// sealing credentials is a fatal startup error, never a silently-degraded
// mock mode.
package config

import (
	"time"
)

// Config is the root configuration for the Custodia server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	KeyStore KeyStoreConfig `koanf:"keystore"`
	Sealing  SealingConfig  `koanf:"sealing"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
	// RateLimitReqs is the per-IP request budget per RateLimitWindow.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// DatabaseConfig configures the DuckDB compliance record store.
type DatabaseConfig struct {
	// Path is the DuckDB database file. Empty means in-memory (tests).
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// KeyStoreConfig configures the crypto-shredder key store.
type KeyStoreConfig struct {
	// MasterKey is the KEK source secret. Required, minimum 32 characters.
	// Loaded once at startup, held in memory for the process lifetime,
	// never logged and never persisted next to ciphertext.
	MasterKey string `koanf:"master_key"`
	// Path is the Badger directory for wrapped-DEK persistence.
	// Empty disables persistence (in-memory key store only).
	Path string `koanf:"path"`
}

// SealingConfig configures the qualified-seal attestation client.
type SealingConfig struct {
	// TokenURL is the OAuth2 client-credentials token endpoint.
	TokenURL string `koanf:"token_url"`
	// APIURL is the sealing endpoint.
	APIURL       string `koanf:"api_url"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	// Timeout bounds each outbound request.
	Timeout time.Duration `koanf:"timeout"`
	// MaxRequestsPerSecond caps outbound sealing API calls.
	MaxRequestsPerSecond float64 `koanf:"max_requests_per_second"`
	// SyncInterval is how often the background resync service drains the
	// offline buffer.
	SyncInterval time.Duration `koanf:"sync_interval"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. These are the
// lowest-priority layer; config file and environment variables override.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8443,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/custodia.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		KeyStore: KeyStoreConfig{
			MasterKey: "",
			Path:      "/data/keystore",
		},
		Sealing: SealingConfig{
			TokenURL:             "https://api.signicat.com/auth/open/connect/token",
			APIURL:               "https://api.signicat.com/v1/sealing",
			ClientID:             "",
			ClientSecret:         "",
			Timeout:              10 * time.Second,
			MaxRequestsPerSecond: 5,
			SyncInterval:         30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
