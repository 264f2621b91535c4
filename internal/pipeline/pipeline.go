// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Package pipeline orchestrates one compliance decision per logged agent
// action: sovereignty gate, risk assessment, payload hashing, qualified
// sealing, envelope encryption and the durable audit record, in that
// order. Every step runs even for blocked actions so the audit trail is
// complete; only the caller-visible response is masked.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	jsonenc "github.com/goccy/go-json"

	"github.com/custodia-ai/custodia/internal/database"
	"github.com/custodia-ai/custodia/internal/logging"
	"github.com/custodia-ai/custodia/internal/metrics"
	"github.com/custodia-ai/custodia/internal/risk"
	"github.com/custodia-ai/custodia/internal/shredder"
	"github.com/custodia-ai/custodia/internal/sovereignty"
)

// Status is the caller-visible compliance outcome.
type Status string

const (
	StatusCompliant Status = "COMPLIANT"
	StatusBlocked   Status = "BLOCKED (SOVEREIGNTY)"
)

// Oversight values for EU AI Act Article 14 human review.
const (
	OversightNone    = "NONE"
	OversightPending = "PENDING"
)

// blockedSealID is returned in place of a real seal id when the action was
// blocked, so callers cannot present the seal as evidence of compliance.
const blockedSealID = "N/A (Connection Refused)"

// blockedTxID keeps the real transaction id out of blocked responses.
const blockedTxID = "0000"

// Request is one action submitted for compliance logging.
type Request struct {
	AgentID                string
	Action                 string
	Payload                string
	TargetRegion           string
	UserID                 string
	RequiresHumanOversight bool
}

// Result is the caller-visible pipeline outcome.
type Result struct {
	Status         Status       `json:"status"`
	SealID         string       `json:"seal_id"`
	TxID           string       `json:"tx_id"`
	RiskLevel      risk.Level   `json:"risk_level"`
	HumanOversight string       `json:"human_oversight_status,omitempty"`
	Risk           *risk.Result `json:"risk_assessment,omitempty"`
}

// ErrPayloadErased is surfaced by ReadPayload for shredded records.
var ErrPayloadErased = shredder.ErrErased

// Sealer is the QES client surface the pipeline needs.
type Sealer interface {
	RequestSeal(ctx context.Context, payloadHash string) (string, error)
	SyncPending(ctx context.Context) (int, error)
	SetCircuitOpen(open bool)
	CircuitOpen() bool
	BufferLen() int
}

// Encryptor is the crypto-shredder surface the pipeline needs.
type Encryptor interface {
	LogEvent(ctx context.Context, payload []byte) (*shredder.EncryptedRecord, error)
	ReadEvent(ctx context.Context, rec *shredder.EncryptedRecord) ([]byte, error)
	ShredKey(ctx context.Context, recordID string) error
	WrappedDEK(recordID string) ([]byte, bool)
}

// Assessor is the risk engine surface the pipeline needs.
type Assessor interface {
	Assess(ctx context.Context, in risk.Input) *risk.Result
}

// RecordStore is the persistence surface the pipeline needs.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec *database.Record) error
	InsertAssessment(ctx context.Context, a *database.Assessment) error
	GetRecord(ctx context.Context, txID string) (*database.Record, error)
	ListRecords(ctx context.Context, limit, offset int) ([]database.Record, error)
	SetOversightStatus(ctx context.Context, txID, status string) error
	ClearRecordKey(ctx context.Context, txID string) error
}

// Pipeline wires the compliance stages together.
type Pipeline struct {
	assessor  Assessor
	sealer    Sealer
	encryptor Encryptor
	store     RecordStore
}

// New creates a Pipeline.
func New(assessor Assessor, sealer Sealer, encryptor Encryptor, store RecordStore) *Pipeline {
	return &Pipeline{
		assessor:  assessor,
		sealer:    sealer,
		encryptor: encryptor,
		store:     store,
	}
}

// HashPayload returns the hex-encoded SHA-256 digest of payload. This hash
// is what gets sealed; the raw payload never leaves the process.
func HashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Process runs the full pipeline for req.
//
// Seal failures do not abort the action: the failure text is recorded in
// place of a seal id so the audit row still exists. Encryption or record
// persistence failures do abort, since an unrecorded action defeats the
// point of the pipeline.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	decision := sovereignty.Evaluate(req.TargetRegion)

	assessment := p.assessor.Assess(ctx, risk.Input{
		Action:    req.Action,
		Payload:   req.Payload,
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		Violation: decision.Violation,
	})

	payloadHash := HashPayload(req.Payload)
	sealID, err := p.sealer.RequestSeal(ctx, payloadHash)
	if err != nil {
		// Recorded, not fatal: the action still gets logged and encrypted.
		sealID = fmt.Sprintf("ERROR: %s", err.Error())
		logging.Warn().Err(err).Str("payload_hash", payloadHash).Msg("Seal request failed, recording error in place of seal")
	}

	encrypted, err := p.encryptor.LogEvent(ctx, []byte(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt action payload: %w", err)
	}

	oversight := OversightNone
	if req.RequiresHumanOversight || assessment.Level.AtLeast(risk.LevelHigh) {
		oversight = OversightPending
	}

	status := StatusCompliant
	if decision.Violation {
		status = StatusBlocked
	}

	wrapped, _ := p.encryptor.WrappedDEK(encrypted.RecordID)
	rec := &database.Record{
		TxID:        encrypted.RecordID,
		Timestamp:   time.Now().UTC(),
		AgentID:     req.AgentID,
		UserID:      req.UserID,
		Action:      req.Action,
		Region:      decision.Region,
		Status:      string(status),
		PayloadHash: payloadHash,
		SealID:      sealID,
		RecordID:    encrypted.RecordID,
		Ciphertext:  encrypted.Ciphertext,
		Nonce:       encrypted.Nonce,
		WrappedDEK:  wrapped,
		Oversight:   oversight,
	}
	if err := p.store.InsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store compliance record: %w", err)
	}

	if err := p.storeAssessment(ctx, encrypted.RecordID, assessment); err != nil {
		// Advisory data; the decision record above is the binding artifact.
		logging.Warn().Err(err).Str("tx_id", encrypted.RecordID).Msg("Failed to store risk assessment")
	}

	metrics.PipelineRiskLevelTotal.WithLabelValues(string(assessment.Level)).Inc()

	logging.Info().
		Str("tx_id", encrypted.RecordID).
		Str("action", req.Action).
		Str("status", string(status)).
		Str("risk_level", string(assessment.Level)).
		Msg("Action logged")

	res := &Result{
		Status:         status,
		RiskLevel:      assessment.Level,
		HumanOversight: oversight,
		Risk:           assessment,
	}
	if oversight == OversightNone {
		res.HumanOversight = ""
	}

	if decision.Violation {
		metrics.PipelineActionsTotal.WithLabelValues("blocked").Inc()
		res.SealID = blockedSealID
		res.TxID = blockedTxID
		return res, nil
	}

	metrics.PipelineActionsTotal.WithLabelValues("compliant").Inc()
	res.SealID = sealID
	res.TxID = encrypted.RecordID
	return res, nil
}

func (p *Pipeline) storeAssessment(ctx context.Context, txID string, assessment *risk.Result) error {
	factors, err := jsonenc.Marshal(assessment.Factors)
	if err != nil {
		return err
	}
	mitigations, err := jsonenc.Marshal(assessment.Mitigations)
	if err != nil {
		return err
	}
	return p.store.InsertAssessment(ctx, &database.Assessment{
		TxID:        txID,
		RiskLevel:   string(assessment.Level),
		Score:       assessment.Score,
		Confidence:  assessment.Confidence,
		Factors:     string(factors),
		Mitigations: string(mitigations),
		AssessedAt:  time.Now().UTC(),
	})
}

// ReadPayload decrypts the payload of a stored record. Returns
// database.ErrNotFound for unknown ids and ErrPayloadErased when the key
// was shredded.
func (p *Pipeline) ReadPayload(ctx context.Context, txID string) ([]byte, error) {
	rec, err := p.store.GetRecord(ctx, txID)
	if err != nil {
		return nil, err
	}
	return p.encryptor.ReadEvent(ctx, &shredder.EncryptedRecord{
		RecordID:   rec.RecordID,
		Ciphertext: rec.Ciphertext,
		Nonce:      rec.Nonce,
	})
}

// Shred destroys the record's encryption key and blanks the durable copy.
// Idempotent after the first call; unknown ids return database.ErrNotFound.
func (p *Pipeline) Shred(ctx context.Context, txID string) error {
	rec, err := p.store.GetRecord(ctx, txID)
	if err != nil {
		return err
	}
	if err := p.encryptor.ShredKey(ctx, rec.RecordID); err != nil {
		return err
	}
	return p.store.ClearRecordKey(ctx, txID)
}

// GetRecord returns a stored compliance record.
func (p *Pipeline) GetRecord(ctx context.Context, txID string) (*database.Record, error) {
	return p.store.GetRecord(ctx, txID)
}

// ListRecords pages through the audit trail, newest first.
func (p *Pipeline) ListRecords(ctx context.Context, limit, offset int) ([]database.Record, error) {
	return p.store.ListRecords(ctx, limit, offset)
}

// SetOversightStatus records the human-review verdict for a transaction.
func (p *Pipeline) SetOversightStatus(ctx context.Context, txID, status string) error {
	return p.store.SetOversightStatus(ctx, txID, status)
}

// SyncSeals drains the offline seal buffer.
func (p *Pipeline) SyncSeals(ctx context.Context) (int, error) {
	return p.sealer.SyncPending(ctx)
}

// SetCircuitOpen toggles the sealing client's offline mode.
func (p *Pipeline) SetCircuitOpen(open bool) {
	p.sealer.SetCircuitOpen(open)
}

// CircuitOpen reports the sealing client's offline mode.
func (p *Pipeline) CircuitOpen() bool {
	return p.sealer.CircuitOpen()
}

// SealBufferLen reports how many hashes await resync.
func (p *Pipeline) SealBufferLen() int {
	return p.sealer.BufferLen()
}
