// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Package database persists the compliance audit trail in DuckDB.
//
// Two tables: compliance_records holds one row per pipeline decision
// (including the KEK-wrapped DEK for durability; never plaintext keys),
// and risk_assessments holds the full assessment alongside it. The store
// also answers the risk engine's history queries.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/custodia-ai/custodia/internal/config"
	"github.com/custodia-ai/custodia/internal/metrics"
)

// ErrNotFound is returned when a record lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// Record is one compliance_records row.
type Record struct {
	TxID        string    `json:"tx_id"`
	Timestamp   time.Time `json:"timestamp"`
	AgentID     string    `json:"agent_id"`
	UserID      string    `json:"user_id"`
	Action      string    `json:"action"`
	Region      string    `json:"region"`
	Status      string    `json:"status"`
	PayloadHash string    `json:"payload_hash"`
	SealID      string    `json:"seal_id"`
	RecordID    string    `json:"record_id"`
	Ciphertext  []byte    `json:"-"`
	Nonce       []byte    `json:"-"`
	WrappedDEK  []byte    `json:"-"`
	Oversight   string    `json:"oversight_status"`
}

// Assessment is one risk_assessments row. Factors and Mitigations are
// stored as JSON text.
type Assessment struct {
	TxID        string    `json:"tx_id"`
	RiskLevel   string    `json:"risk_level"`
	Score       float64   `json:"overall_score"`
	Confidence  float64   `json:"confidence"`
	Factors     string    `json:"risk_factors"`
	Mitigations string    `json:"mitigation_suggestions"`
	AssessedAt  time.Time `json:"assessed_at"`
}

// Store wraps the DuckDB connection.
type Store struct {
	conn *sql.DB
}

// New opens (or creates) the database file from cfg and initializes the
// schema differently from in-memory: autoinstall/autoload are disabled so
// startup cannot hang on extension downloads in restricted networks.
func New(cfg *config.DatabaseConfig) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads, cfg.MaxMemory)

	return open(connStr)
}

// NewMemory opens an in-memory database, used by tests.
func NewMemory() (*Store, error) {
	return open(":memory:?autoinstall_known_extensions=false&autoload_known_extensions=false")
}

func open(connStr string) (*Store, error) {
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// DuckDB is an embedded single-writer engine; a small pool avoids
	// writer contention without starving concurrent readers.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS compliance_records (
			tx_id          VARCHAR PRIMARY KEY,
			timestamp      TIMESTAMP NOT NULL,
			agent_id       VARCHAR NOT NULL DEFAULT '',
			user_id        VARCHAR NOT NULL DEFAULT '',
			action         VARCHAR NOT NULL,
			region         VARCHAR NOT NULL DEFAULT '',
			status         VARCHAR NOT NULL,
			payload_hash   VARCHAR NOT NULL,
			seal_id        VARCHAR NOT NULL,
			record_id      VARCHAR NOT NULL DEFAULT '',
			ciphertext     BLOB,
			nonce          BLOB,
			wrapped_dek    BLOB,
			oversight_status VARCHAR NOT NULL DEFAULT 'NONE'
		)`,
		`CREATE TABLE IF NOT EXISTS risk_assessments (
			tx_id                  VARCHAR NOT NULL,
			risk_level             VARCHAR NOT NULL,
			overall_score          DOUBLE NOT NULL,
			confidence             DOUBLE NOT NULL,
			risk_factors           VARCHAR NOT NULL DEFAULT '[]',
			mitigation_suggestions VARCHAR NOT NULL DEFAULT '[]',
			assessed_at            TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_user_ts ON compliance_records (user_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_records_agent_ts ON compliance_records (agent_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_assessments_tx ON risk_assessments (tx_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// observe records query metrics; call deferred at the top of each op.
func observe(operation, table string, start time.Time, err *error) {
	metrics.DBQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	if err != nil && *err != nil {
		metrics.DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// InsertRecord stores rec.
func (s *Store) InsertRecord(ctx context.Context, rec *Record) (err error) {
	defer observe("insert", "compliance_records", time.Now(), &err)

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO compliance_records
		 (tx_id, timestamp, agent_id, user_id, action, region, status, payload_hash, seal_id, record_id, ciphertext, nonce, wrapped_dek, oversight_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TxID, rec.Timestamp, rec.AgentID, rec.UserID, rec.Action, rec.Region,
		rec.Status, rec.PayloadHash, rec.SealID, rec.RecordID, rec.Ciphertext, rec.Nonce,
		rec.WrappedDEK, rec.Oversight)
	if err != nil {
		return fmt.Errorf("failed to insert compliance record: %w", err)
	}
	return nil
}

// InsertAssessment stores a.
func (s *Store) InsertAssessment(ctx context.Context, a *Assessment) (err error) {
	defer observe("insert", "risk_assessments", time.Now(), &err)

	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO risk_assessments
		 (tx_id, risk_level, overall_score, confidence, risk_factors, mitigation_suggestions, assessed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.TxID, a.RiskLevel, a.Score, a.Confidence, a.Factors, a.Mitigations, a.AssessedAt)
	if err != nil {
		return fmt.Errorf("failed to insert risk assessment: %w", err)
	}
	return nil
}

const recordColumns = `tx_id, timestamp, agent_id, user_id, action, region, status, payload_hash, seal_id, record_id, ciphertext, nonce, wrapped_dek, oversight_status`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.TxID, &rec.Timestamp, &rec.AgentID, &rec.UserID, &rec.Action,
		&rec.Region, &rec.Status, &rec.PayloadHash, &rec.SealID, &rec.RecordID,
		&rec.Ciphertext, &rec.Nonce, &rec.WrappedDEK, &rec.Oversight)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord fetches one record by transaction id.
func (s *Store) GetRecord(ctx context.Context, txID string) (rec *Record, err error) {
	defer observe("select", "compliance_records", time.Now(), &err)

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM compliance_records WHERE tx_id = ?`, txID)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch record: %w", err)
	}
	return rec, nil
}

// ListRecords returns records newest-first. limit is clamped to [1,1000].
func (s *Store) ListRecords(ctx context.Context, limit, offset int) (recs []Record, err error) {
	defer observe("select", "compliance_records", time.Now(), &err)

	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM compliance_records ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan record: %w", scanErr)
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// GetAssessment fetches the assessment for a transaction id.
func (s *Store) GetAssessment(ctx context.Context, txID string) (a *Assessment, err error) {
	defer observe("select", "risk_assessments", time.Now(), &err)

	a = &Assessment{}
	row := s.conn.QueryRowContext(ctx,
		`SELECT tx_id, risk_level, overall_score, confidence, risk_factors, mitigation_suggestions, assessed_at
		 FROM risk_assessments WHERE tx_id = ?`, txID)
	err = row.Scan(&a.TxID, &a.RiskLevel, &a.Score, &a.Confidence, &a.Factors, &a.Mitigations, &a.AssessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch assessment: %w", err)
	}
	return a, nil
}

// SetOversightStatus updates the human-oversight state of a record.
func (s *Store) SetOversightStatus(ctx context.Context, txID, status string) (err error) {
	defer observe("update", "compliance_records", time.Now(), &err)

	res, err := s.conn.ExecContext(ctx,
		`UPDATE compliance_records SET oversight_status = ? WHERE tx_id = ?`, status, txID)
	if err != nil {
		return fmt.Errorf("failed to update oversight status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearRecordKey blanks the stored wrapped DEK after a shred, so the
// durable copy cannot outlive the in-memory erasure.
func (s *Store) ClearRecordKey(ctx context.Context, txID string) (err error) {
	defer observe("update", "compliance_records", time.Now(), &err)

	_, err = s.conn.ExecContext(ctx,
		`UPDATE compliance_records SET wrapped_dek = NULL WHERE tx_id = ?`, txID)
	if err != nil {
		return fmt.Errorf("failed to clear wrapped key: %w", err)
	}
	return nil
}

// Ping verifies connectivity, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}
