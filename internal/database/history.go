// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/custodia-ai/custodia/internal/risk"
)

var _ risk.HistoryStore = (*Store)(nil)

// The methods below implement the risk engine's history interface.
// Cutoffs are computed in Go and bound as parameters, so the same SQL
// serves any window.

// HighRiskActions counts the user's HIGH/CRITICAL assessments within window.
func (s *Store) HighRiskActions(ctx context.Context, userID string, window time.Duration) (n int64, err error) {
	defer observe("select", "risk_assessments", time.Now(), &err)

	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM compliance_records cr
		 JOIN risk_assessments ra ON cr.tx_id = ra.tx_id
		 WHERE cr.user_id = ?
		   AND ra.risk_level IN ('HIGH', 'CRITICAL')
		   AND cr.timestamp > ?`,
		userID, time.Now().Add(-window)).Scan(&n)
	return n, err
}

// SimilarAgentActions counts the agent's matching actions within window.
func (s *Store) SimilarAgentActions(ctx context.Context, agentID, action string, window time.Duration) (n int64, err error) {
	defer observe("select", "compliance_records", time.Now(), &err)

	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM compliance_records
		 WHERE agent_id = ? AND action LIKE ? AND timestamp > ?`,
		agentID, likePattern(action), time.Now().Add(-window)).Scan(&n)
	return n, err
}

// SimilarUserActions counts the user's matching actions within window.
func (s *Store) SimilarUserActions(ctx context.Context, userID, action string, window time.Duration) (n int64, err error) {
	defer observe("select", "compliance_records", time.Now(), &err)

	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM compliance_records
		 WHERE user_id = ? AND action LIKE ? AND timestamp > ?`,
		userID, likePattern(action), time.Now().Add(-window)).Scan(&n)
	return n, err
}

// AverageRiskScore maps risk levels to numeric scores and averages them
// over the user's matching actions within window.
func (s *Store) AverageRiskScore(ctx context.Context, userID, action string, window time.Duration) (avg float64, ok bool, err error) {
	defer observe("select", "risk_assessments", time.Now(), &err)

	var v sql.NullFloat64
	err = s.conn.QueryRowContext(ctx,
		`SELECT AVG(
			CASE ra.risk_level
				WHEN 'LOW' THEN 0.25
				WHEN 'MEDIUM' THEN 0.5
				WHEN 'HIGH' THEN 0.75
				WHEN 'CRITICAL' THEN 1.0
				ELSE 0.0
			END)
		 FROM compliance_records cr
		 JOIN risk_assessments ra ON cr.tx_id = ra.tx_id
		 WHERE cr.user_id = ? AND cr.action LIKE ? AND cr.timestamp > ?`,
		userID, likePattern(action), time.Now().Add(-window)).Scan(&v)
	if err != nil {
		return 0, false, err
	}
	return v.Float64, v.Valid, nil
}

// LastHighRiskIncident returns the most recent HIGH/CRITICAL timestamp for
// the user within window.
func (s *Store) LastHighRiskIncident(ctx context.Context, userID string, window time.Duration) (t time.Time, ok bool, err error) {
	defer observe("select", "risk_assessments", time.Now(), &err)

	var v sql.NullTime
	err = s.conn.QueryRowContext(ctx,
		`SELECT MAX(cr.timestamp)
		 FROM compliance_records cr
		 JOIN risk_assessments ra ON cr.tx_id = ra.tx_id
		 WHERE cr.user_id = ?
		   AND ra.risk_level IN ('HIGH', 'CRITICAL')
		   AND cr.timestamp > ?`,
		userID, time.Now().Add(-window)).Scan(&v)
	if err != nil {
		return time.Time{}, false, err
	}
	return v.Time, v.Valid, nil
}

// UserActionsBetween counts the user's matching actions whose age is in
// [newer, older) measured back from now.
func (s *Store) UserActionsBetween(ctx context.Context, userID, action string, older, newer time.Duration) (n int64, err error) {
	defer observe("select", "compliance_records", time.Now(), &err)

	now := time.Now()
	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM compliance_records
		 WHERE user_id = ? AND action LIKE ?
		   AND timestamp > ? AND timestamp <= ?`,
		userID, likePattern(action), now.Add(-older), now.Add(-newer)).Scan(&n)
	return n, err
}

func likePattern(action string) string {
	return "%" + action + "%"
}
