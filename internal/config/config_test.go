// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

package config

import (
	"strings"
	"testing"
)

// validConfig returns a config that passes Validate, for mutation in tests.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.KeyStore.MasterKey = "0123456789abcdef0123456789abcdef"
	cfg.Sealing.ClientID = "client-id"
	cfg.Sealing.ClientSecret = "client-secret"
	return cfg
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MissingMasterKey(t *testing.T) {
	cfg := validConfig()
	cfg.KeyStore.MasterKey = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing master key")
	}
	if !strings.Contains(err.Error(), "CUSTODIA_MASTER_KEY") {
		t.Errorf("error should name the missing variable, got: %v", err)
	}
}

func TestValidate_ShortMasterKey(t *testing.T) {
	cfg := validConfig()
	cfg.KeyStore.MasterKey = "too-short"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for short master key")
	}
}

func TestValidate_MissingSealingCredentials(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no client id", func(c *Config) { c.Sealing.ClientID = "" }, "SEALING_CLIENT_ID"},
		{"no client secret", func(c *Config) { c.Sealing.ClientSecret = "" }, "SEALING_CLIENT_SECRET"},
		{"bad token url", func(c *Config) { c.Sealing.TokenURL = "not-a-url" }, "SEALING_TOKEN_URL"},
		{"ftp api url", func(c *Config) { c.Sealing.APIURL = "ftp://example.com" }, "SEALING_API_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ServerBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}
	cfg = validConfig()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 70000")
	}
}

func TestValidate_Logging(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}
	cfg = validConfig()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log format")
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"CUSTODIA_MASTER_KEY", "keystore.master_key"},
		{"SEALING_CLIENT_ID", "sealing.client_id"},
		{"DUCKDB_PATH", "database.path"},
		{"HTTP_PORT", "server.port"},
		{"LOG_LEVEL", "logging.level"},
		{"SOME_RANDOM_VAR", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.env); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}
