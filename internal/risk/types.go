// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Package risk scores proposed agent actions for EU AI Act Article 9
// oversight. Scores combine static keyword analysis of the action and
// payload with dynamic history lookups for the acting user and agent.
package risk

import (
	"context"
	"time"
)

// Level is an ordered risk classification.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// rank orders levels for comparisons; unknown strings rank lowest.
func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is at or above other.
func (l Level) AtLeast(other Level) bool { return l.rank() >= other.rank() }

// ParseLevel maps a stored string back to a Level; unknown values are LOW.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelMedium, LevelHigh, LevelCritical:
		return Level(s)
	default:
		return LevelLow
	}
}

// Trend describes the direction of a user's recent activity volume.
type Trend string

const (
	TrendIncreasing Trend = "INCREASING"
	TrendDecreasing Trend = "DECREASING"
	TrendStable     Trend = "STABLE"
)

// Factor is one weighted contributor to the overall score.
type Factor struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
	Score       float64 `json:"score"`
}

// HistoricalContext summarizes the user's track record for this action.
type HistoricalContext struct {
	SimilarActionsCount int64   `json:"similar_actions_count"`
	AverageRiskScore    float64 `json:"average_risk_score"`
	Trend               Trend   `json:"trend"`
	LastIncidentDaysAgo *int64  `json:"last_incident_days_ago"`
}

// Result is a completed assessment.
type Result struct {
	Level       Level              `json:"risk_level"`
	Score       float64            `json:"overall_score"`
	Factors     []Factor           `json:"risk_factors"`
	Mitigations []string           `json:"mitigation_suggestions"`
	Confidence  float64            `json:"confidence"`
	Historical  *HistoricalContext `json:"historical_context,omitempty"`
}

// Input describes the action under assessment. UserID and AgentID are
// optional; empty means no context, which lowers confidence and degrades
// the corresponding factors.
type Input struct {
	Action    string
	Payload   string
	UserID    string
	AgentID   string
	Violation bool
}

// HistoryStore answers the history questions the engine asks. All windows
// are measured back from now. Implementations must tolerate empty result
// sets; the engine tolerates errors by degrading the factor.
type HistoryStore interface {
	// HighRiskActions counts the user's HIGH/CRITICAL assessments within window.
	HighRiskActions(ctx context.Context, userID string, window time.Duration) (int64, error)

	// SimilarAgentActions counts the agent's matching actions within window.
	SimilarAgentActions(ctx context.Context, agentID, action string, window time.Duration) (int64, error)

	// SimilarUserActions counts the user's matching actions within window.
	SimilarUserActions(ctx context.Context, userID, action string, window time.Duration) (int64, error)

	// AverageRiskScore averages the numeric risk of the user's matching
	// actions within window. ok is false when there are no rows.
	AverageRiskScore(ctx context.Context, userID, action string, window time.Duration) (avg float64, ok bool, err error)

	// LastHighRiskIncident returns the most recent HIGH/CRITICAL timestamp
	// for the user within window. ok is false when there is none.
	LastHighRiskIncident(ctx context.Context, userID string, window time.Duration) (t time.Time, ok bool, err error)

	// UserActionsBetween counts the user's matching actions with age in
	// [newer, older) measured back from now.
	UserActionsBetween(ctx context.Context, userID, action string, older, newer time.Duration) (int64, error)
}
