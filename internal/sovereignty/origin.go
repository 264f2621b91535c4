// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

package sovereignty

import "strings"

// euEEAAllowlist holds the ISO country codes of EU and EEA jurisdictions.
var euEEAAllowlist = map[string]struct{}{
	"AT": {}, "BE": {}, "BG": {}, "HR": {}, "CY": {}, "CZ": {}, "DK": {},
	"EE": {}, "FI": {}, "FR": {}, "DE": {}, "GR": {}, "HU": {}, "IE": {},
	"IT": {}, "LV": {}, "LT": {}, "LU": {}, "MT": {}, "NL": {}, "PL": {},
	"PT": {}, "RO": {}, "SK": {}, "SI": {}, "ES": {}, "SE": {},
	// EEA countries (non-EU)
	"IS": {}, "LI": {}, "NO": {},
}

// AllowedEUEEA reports whether country is an EU or EEA ISO country code.
func AllowedEUEEA(country string) bool {
	_, ok := euEEAAllowlist[strings.ToUpper(strings.TrimSpace(country))]
	return ok
}

// GeoResolver resolves an IP address to an ISO country code. Resolvers
// return "" (or any non-allowlisted code) when geography is unknown.
type GeoResolver interface {
	Country(ip string) string
}

// CheckOrigin evaluates an inferred origin IP against the EU/EEA allowlist.
// Unlike Evaluate, this path fails closed: unresolvable geography is a
// violation, because an inferred region defaults to distrust.
func CheckOrigin(resolver GeoResolver, ip string) Decision {
	country := resolver.Country(ip)
	if !AllowedEUEEA(country) {
		return Decision{Violation: true, Region: strings.ToUpper(country)}
	}
	return Decision{Violation: false, Region: strings.ToUpper(country)}
}
