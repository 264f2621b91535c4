// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Package sovereignty implements the data-sovereignty gate: the allow/block
// decision based on the declared or inferred jurisdiction of a
// data-processing action.
//
// Two policies coexist deliberately. Evaluate is fail-open: a caller who
// explicitly declares a region defaults to trust, and an unset region is
// allowed. CheckOrigin (the inferred-geography path used by proxy-style
// callers) is fail-closed: an IP whose jurisdiction cannot be resolved is
// treated as a violation.
package sovereignty

import "strings"

// Decision is the outcome of a sovereignty evaluation. It is derived per
// call and never stored.
type Decision struct {
	// Violation is true when the region falls under a blocked jurisdiction.
	Violation bool
	// Region is the normalized region code the decision was made on.
	Region string
}

// blockedRegions are jurisdictions to which agent data may never be routed.
var blockedRegions = map[string]struct{}{
	"US":     {},
	"USA":    {},
	"CN":     {},
	"CHINA":  {},
	"RU":     {},
	"RUSSIA": {},
}

// Evaluate decides whether routing data to targetRegion violates data
// sovereignty. Pure function, O(1), no I/O.
//
// Matching is case-insensitive: exact blocklist codes, the "US-" prefix
// (cloud region codes such as us-east-1), and the substring "UNITED STATES".
// An empty region is allowed: an explicit caller-declared region defaults
// to trust. Inferred regions go through CheckOrigin instead.
func Evaluate(targetRegion string) Decision {
	region := strings.ToUpper(strings.TrimSpace(targetRegion))
	if region == "" {
		return Decision{Violation: false, Region: region}
	}

	if _, blocked := blockedRegions[region]; blocked {
		return Decision{Violation: true, Region: region}
	}
	if strings.HasPrefix(region, "US-") {
		return Decision{Violation: true, Region: region}
	}
	if strings.Contains(region, "UNITED STATES") {
		return Decision{Violation: true, Region: region}
	}

	return Decision{Violation: false, Region: region}
}
