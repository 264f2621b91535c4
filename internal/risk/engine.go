// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/custodia-ai/custodia/internal/logging"
)

// History lookup windows.
const (
	userBehaviorWindow  = 30 * 24 * time.Hour
	agentPatternWindow  = 7 * 24 * time.Hour
	contextWindow       = 90 * 24 * time.Hour
	incidentWindow      = 365 * 24 * time.Hour
	trendRecentWindow   = 30 * 24 * time.Hour
	trendPreviousOldest = 60 * 24 * time.Hour
)

// keywordScore pairs a lowercase substring with the score it triggers.
type keywordScore struct {
	keyword string
	score   float64
}

// highRiskActionPatterns flag regulated decision domains. The strongest
// match wins.
var highRiskActionPatterns = []keywordScore{
	{"credit", 0.9},
	{"loan", 0.9},
	{"medical", 0.95},
	{"diagnosis", 0.95},
	{"criminal", 1.0},
	{"hiring", 0.8},
	{"firing", 0.85},
	{"insurance", 0.75},
	{"legal", 0.8},
}

// mediumRiskActionPatterns apply only when no high-risk pattern matched.
var mediumRiskActionPatterns = []string{"transaction", "payment", "financial", "personal"}

// sensitiveDataPatterns detect special-category data in payloads.
var sensitiveDataPatterns = []keywordScore{
	{"ssn", 0.9},
	{"social security", 0.9},
	{"passport", 0.85},
	{"credit card", 0.95},
	{"bank account", 0.9},
	{"biometric", 0.95},
	{"health record", 0.95},
	{"genetic", 0.9},
}

// Engine performs assessments. history may be nil, in which case the
// behavioral factors fall back to their no-context defaults.
type Engine struct {
	history HistoryStore
}

// NewEngine creates an Engine backed by history.
func NewEngine(history HistoryStore) *Engine {
	return &Engine{history: history}
}

// Assess scores in and never fails: history lookup errors degrade their
// factor rather than aborting, so a broken database cannot stall the
// pipeline.
//
// A sovereignty violation short-circuits to CRITICAL with full confidence;
// otherwise the level comes from the weighted factor scores, normalized
// over the factors that actually produced evidence and floored at the
// dominant factor's score so that neither absent context nor a weak
// co-signal dilutes a strong one.
func (e *Engine) Assess(ctx context.Context, in Input) *Result {
	if in.Violation {
		return &Result{
			Level: LevelCritical,
			Score: 1.0,
			Factors: []Factor{{
				Name:        "Compliance Violation",
				Description: "Sovereignty or compliance violation detected",
				Weight:      1.0,
				Score:       1.0,
			}},
			Mitigations: []string{
				"Immediate human review required",
				"Block action execution",
				"Notify compliance team",
			},
			Confidence: 1.0,
		}
	}

	factors := []Factor{
		assessActionRisk(in.Action, in.Payload),
		assessDataSensitivity(in.Payload),
		e.assessUserBehavior(ctx, in.UserID),
		e.assessHistoricalPatterns(ctx, in.AgentID, in.Action),
	}

	score := overallScore(factors)

	var level Level
	switch {
	case score >= 0.8:
		level = LevelHigh
	case score >= 0.5:
		level = LevelMedium
	default:
		level = LevelLow
	}

	res := &Result{
		Level:       level,
		Score:       score,
		Factors:     factors,
		Mitigations: mitigations(factors, score),
		Confidence:  confidence(in),
	}

	if in.UserID != "" && e.history != nil {
		res.Historical = e.historicalContext(ctx, in.UserID, in.Action)
	}
	return res
}

// overallScore is the weighted mean over factors that produced evidence,
// floored at the dominant factor's score. Factors with score zero
// contribute neither numerator nor denominator, so "no signal" is distinct
// from "low risk". The floor keeps the score monotone as evidence
// accumulates: a weak co-signal crossing its activation threshold (the
// payload-size heuristic in particular) cannot dilute a strong signal
// below its own score.
func overallScore(factors []Factor) float64 {
	var weighted, weightSum, dominant float64
	for _, f := range factors {
		if f.Score > dominant {
			dominant = f.Score
		}
		if f.Score > 0 {
			weighted += f.Weight * f.Score
			weightSum += f.Weight
		}
	}
	if weightSum == 0 {
		return 0
	}
	if score := weighted / weightSum; score > dominant {
		return score
	}
	return dominant
}

func confidence(in Input) float64 {
	switch {
	case in.UserID != "" && in.AgentID != "":
		return 0.9
	case in.UserID != "" || in.AgentID != "":
		return 0.7
	default:
		return 0.5
	}
}

// assessActionRisk scans action and payload for regulated-domain keywords.
func assessActionRisk(action, payload string) Factor {
	actionLower := strings.ToLower(action)
	payloadLower := strings.ToLower(payload)

	var maxScore float64
	var matched []string
	for _, p := range highRiskActionPatterns {
		if strings.Contains(actionLower, p.keyword) || strings.Contains(payloadLower, p.keyword) {
			if p.score > maxScore {
				maxScore = p.score
			}
			matched = append(matched, p.keyword)
		}
	}

	if maxScore == 0 {
		for _, kw := range mediumRiskActionPatterns {
			if strings.Contains(actionLower, kw) || strings.Contains(payloadLower, kw) {
				maxScore = 0.5
				matched = append(matched, kw)
				break
			}
		}
	}

	desc := "None (low risk)"
	if len(matched) > 0 {
		desc = strings.Join(matched, ", ")
	}
	return Factor{
		Name:        "Action Type Risk",
		Description: fmt.Sprintf("Action: %s | Matched patterns: %s", action, desc),
		Weight:      0.4,
		Score:       maxScore,
	}
}

// assessDataSensitivity scans the payload for special-category data and
// applies a size heuristic: bulk payloads are more likely to carry
// personal data even when no pattern matches.
func assessDataSensitivity(payload string) Factor {
	payloadLower := strings.ToLower(payload)

	var maxScore float64
	var matched []string
	for _, p := range sensitiveDataPatterns {
		if strings.Contains(payloadLower, p.keyword) {
			if p.score > maxScore {
				maxScore = p.score
			}
			matched = append(matched, p.keyword)
		}
	}

	var sizeScore float64
	switch {
	case len(payload) > 10000:
		sizeScore = 0.3
	case len(payload) > 5000:
		sizeScore = 0.2
	}
	if sizeScore > maxScore {
		maxScore = sizeScore
	}

	desc := "None detected"
	if len(matched) > 0 {
		desc = strings.Join(matched, ", ")
	}
	return Factor{
		Name:        "Data Sensitivity",
		Description: fmt.Sprintf("Sensitive data patterns: %s", desc),
		Weight:      0.3,
		Score:       maxScore,
	}
}

// assessUserBehavior buckets the user's HIGH/CRITICAL assessments over the
// last 30 days.
func (e *Engine) assessUserBehavior(ctx context.Context, userID string) Factor {
	if userID == "" || e.history == nil {
		return Factor{
			Name:        "User Behavior",
			Description: "No user context available",
			Weight:      0.1,
			Score:       0.0,
		}
	}

	count, err := e.history.HighRiskActions(ctx, userID, userBehaviorWindow)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("User behavior lookup failed, degrading factor")
		count = 0
	}

	var score float64
	switch {
	case count > 10:
		score = 0.8
	case count > 5:
		score = 0.6
	case count > 0:
		score = 0.4
	default:
		score = 0.1
	}

	return Factor{
		Name:        "User Behavior Risk",
		Description: fmt.Sprintf("User has %d high-risk actions in last 30 days", count),
		Weight:      0.2,
		Score:       score,
	}
}

// assessHistoricalPatterns buckets the agent's matching-action frequency
// over the last 7 days. High frequency suggests automation running hot.
func (e *Engine) assessHistoricalPatterns(ctx context.Context, agentID, action string) Factor {
	if agentID == "" || e.history == nil {
		return Factor{
			Name:        "Historical Patterns",
			Description: "No agent context available",
			Weight:      0.1,
			Score:       0.0,
		}
	}

	count, err := e.history.SimilarAgentActions(ctx, agentID, action, agentPatternWindow)
	if err != nil {
		logging.Warn().Err(err).Str("agent_id", agentID).Msg("Agent pattern lookup failed, degrading factor")
		count = 0
	}

	var score float64
	switch {
	case count > 100:
		score = 0.7
	case count > 50:
		score = 0.5
	case count > 10:
		score = 0.3
	default:
		score = 0.1
	}

	return Factor{
		Name:        "Historical Pattern Risk",
		Description: fmt.Sprintf("Agent performed %d similar actions in last 7 days", count),
		Weight:      0.1,
		Score:       score,
	}
}

// mitigations derives suggestions from the overall score and per-factor
// spikes. Never empty.
func mitigations(factors []Factor, score float64) []string {
	var out []string

	if score >= 0.8 {
		out = append(out,
			"Require human oversight before execution",
			"Implement additional verification steps",
			"Notify compliance team",
		)
	} else if score >= 0.5 {
		out = append(out,
			"Consider human review for this action",
			"Monitor action outcome closely",
		)
	}

	for _, f := range factors {
		if f.Score < 0.8 {
			continue
		}
		switch f.Name {
		case "Action Type Risk":
			out = append(out, "Apply enhanced logging and audit trail")
		case "Data Sensitivity":
			out = append(out, "Ensure data encryption and access controls")
		case "User Behavior Risk":
			out = append(out, "Review user's recent activity patterns")
		}
	}

	if len(out) == 0 {
		out = append(out, "Standard safeguards are sufficient")
	}
	return out
}

// historicalContext builds the 90/365-day summary for the user. Returns
// nil when any lookup fails; the context is advisory, not load-bearing.
func (e *Engine) historicalContext(ctx context.Context, userID, action string) *HistoricalContext {
	similar, err := e.history.SimilarUserActions(ctx, userID, action, contextWindow)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("Historical context lookup failed")
		return nil
	}

	avg, _, err := e.history.AverageRiskScore(ctx, userID, action, contextWindow)
	if err != nil {
		return nil
	}

	var lastIncidentDays *int64
	lastAt, ok, err := e.history.LastHighRiskIncident(ctx, userID, incidentWindow)
	if err != nil {
		return nil
	}
	if ok {
		days := int64(time.Since(lastAt).Hours() / 24)
		lastIncidentDays = &days
	}

	recent, err := e.history.UserActionsBetween(ctx, userID, action, trendRecentWindow, 0)
	if err != nil {
		return nil
	}
	previous, err := e.history.UserActionsBetween(ctx, userID, action, trendPreviousOldest, trendRecentWindow)
	if err != nil {
		return nil
	}

	trend := TrendStable
	switch {
	case recent > previous:
		trend = TrendIncreasing
	case recent < previous:
		trend = TrendDecreasing
	}

	return &HistoricalContext{
		SimilarActionsCount: similar,
		AverageRiskScore:    avg,
		Trend:               trend,
		LastIncidentDaysAgo: lastIncidentDays,
	}
}
