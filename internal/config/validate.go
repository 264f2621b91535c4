// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// MinMasterKeyLength is the minimum length of the KEK source secret. The
// actual 256-bit key is derived via HKDF, but a short secret caps the
// effective entropy regardless of derivation.
const MinMasterKeyLength = 32

// Validate checks that required configuration is present and valid.
// Validation failures are fatal at startup: the pipeline must never run
// with a degraded key store or placeholder sealing credentials.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateKeyStore(); err != nil {
		return err
	}
	if err := c.validateSealing(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.Server.Timeout)
	}
	return nil
}

func (c *Config) validateKeyStore() error {
	if c.KeyStore.MasterKey == "" {
		return fmt.Errorf("CUSTODIA_MASTER_KEY is required")
	}
	if len(c.KeyStore.MasterKey) < MinMasterKeyLength {
		return fmt.Errorf("CUSTODIA_MASTER_KEY must be at least %d characters, got %d",
			MinMasterKeyLength, len(c.KeyStore.MasterKey))
	}
	return nil
}

func (c *Config) validateSealing() error {
	if c.Sealing.ClientID == "" {
		return fmt.Errorf("SEALING_CLIENT_ID is required")
	}
	if c.Sealing.ClientSecret == "" {
		return fmt.Errorf("SEALING_CLIENT_SECRET is required")
	}
	if err := validateHTTPURL(c.Sealing.TokenURL, "SEALING_TOKEN_URL"); err != nil {
		return err
	}
	if err := validateHTTPURL(c.Sealing.APIURL, "SEALING_API_URL"); err != nil {
		return err
	}
	if c.Sealing.Timeout <= 0 {
		return fmt.Errorf("SEALING_TIMEOUT must be positive, got %s", c.Sealing.Timeout)
	}
	if c.Sealing.MaxRequestsPerSecond <= 0 {
		return fmt.Errorf("sealing.max_requests_per_second must be positive, got %f",
			c.Sealing.MaxRequestsPerSecond)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// validateHTTPURL checks that a URL is absolute with an http(s) scheme.
func validateHTTPURL(raw, name string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", name)
	}
	return nil
}
