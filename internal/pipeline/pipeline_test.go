// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/custodia-ai/custodia/internal/database"
	"github.com/custodia-ai/custodia/internal/risk"
	"github.com/custodia-ai/custodia/internal/shredder"
)

// stubSealer records calls and can be forced to fail.
type stubSealer struct {
	mu       sync.Mutex
	calls    int
	fail     bool
	open     bool
	buffered []string
}

func (s *stubSealer) RequestSeal(_ context.Context, hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.open {
		s.buffered = append(s.buffered, hash)
		return "PENDING_SYNC_LOCAL:[" + hash + "]", nil
	}
	if s.fail {
		return "", errors.New("provider unreachable")
	}
	return "QES_SEAL_doc-1 | TIMESTAMP: 1700000000", nil
}

func (s *stubSealer) SyncPending(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.buffered)
	s.buffered = nil
	return n, nil
}

func (s *stubSealer) SetCircuitOpen(open bool) { s.mu.Lock(); s.open = open; s.mu.Unlock() }
func (s *stubSealer) CircuitOpen() bool        { s.mu.Lock(); defer s.mu.Unlock(); return s.open }
func (s *stubSealer) BufferLen() int           { s.mu.Lock(); defer s.mu.Unlock(); return len(s.buffered) }

// memStore is an in-memory RecordStore.
type memStore struct {
	mu          sync.Mutex
	records     map[string]*database.Record
	assessments map[string]*database.Assessment
	insertErr   error
}

func newMemStore() *memStore {
	return &memStore{
		records:     make(map[string]*database.Record),
		assessments: make(map[string]*database.Assessment),
	}
}

func (m *memStore) InsertRecord(_ context.Context, rec *database.Record) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.TxID] = &cp
	return nil
}

func (m *memStore) InsertAssessment(_ context.Context, a *database.Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.assessments[a.TxID] = &cp
	return nil
}

func (m *memStore) GetRecord(_ context.Context, txID string) (*database.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[txID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) ListRecords(context.Context, int, int) ([]database.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (m *memStore) SetOversightStatus(_ context.Context, txID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[txID]
	if !ok {
		return database.ErrNotFound
	}
	rec.Oversight = status
	return nil
}

func (m *memStore) ClearRecordKey(_ context.Context, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[txID]; ok {
		rec.WrappedDEK = nil
	}
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *stubSealer, *memStore) {
	t.Helper()
	enc, err := shredder.New("test-master-secret-0123456789abcdef", nil)
	if err != nil {
		t.Fatalf("shredder.New() error = %v", err)
	}
	sealer := &stubSealer{}
	store := newMemStore()
	return New(risk.NewEngine(nil), sealer, enc, store), sealer, store
}

func TestHashPayloadKnownDigest(t *testing.T) {
	want := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	if got := HashPayload("test"); got != want {
		t.Errorf("HashPayload(\"test\") = %s, want %s", got, want)
	}
	if HashPayload("test") != HashPayload("test") {
		t.Error("HashPayload is not deterministic")
	}
}

func TestProcessCompliantAction(t *testing.T) {
	p, _, store := newTestPipeline(t)

	res, err := p.Process(context.Background(), Request{
		AgentID:      "agent-1",
		Action:       "Generate Weekly Summary",
		Payload:      "aggregate usage data",
		TargetRegion: "EU",
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if res.Status != StatusCompliant {
		t.Errorf("Status = %s, want COMPLIANT", res.Status)
	}
	if !strings.HasPrefix(res.SealID, "QES_SEAL_") {
		t.Errorf("SealID = %q, want QES_SEAL_ prefix", res.SealID)
	}
	if res.TxID == "" || res.TxID == "0000" {
		t.Errorf("TxID = %q, want real transaction id", res.TxID)
	}
	if res.RiskLevel != risk.LevelLow {
		t.Errorf("RiskLevel = %s, want LOW", res.RiskLevel)
	}

	rec, err := store.GetRecord(context.Background(), res.TxID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.Status != string(StatusCompliant) {
		t.Errorf("stored status = %q", rec.Status)
	}
	if len(rec.Ciphertext) == 0 || len(rec.WrappedDEK) == 0 {
		t.Error("record missing ciphertext or wrapped DEK")
	}
	if _, ok := store.assessments[res.TxID]; !ok {
		t.Error("assessment not persisted")
	}
}

func TestProcessBlockedActionMasksResponseButPersists(t *testing.T) {
	p, sealer, store := newTestPipeline(t)

	res, err := p.Process(context.Background(), Request{
		AgentID:      "agent-1",
		Action:       "Transfer Data",
		Payload:      "customer export",
		TargetRegion: "US",
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if res.Status != StatusBlocked {
		t.Errorf("Status = %s, want BLOCKED (SOVEREIGNTY)", res.Status)
	}
	if res.SealID != "N/A (Connection Refused)" {
		t.Errorf("SealID = %q", res.SealID)
	}
	if res.TxID != "0000" {
		t.Errorf("TxID = %q, want 0000", res.TxID)
	}
	if res.RiskLevel != risk.LevelCritical {
		t.Errorf("RiskLevel = %s, want CRITICAL", res.RiskLevel)
	}

	// Seal and persistence still ran: the audit trail records the attempt.
	if sealer.calls != 1 {
		t.Errorf("sealer called %d times, want 1", sealer.calls)
	}
	if len(store.records) != 1 {
		t.Fatalf("records persisted = %d, want 1", len(store.records))
	}
	for _, rec := range store.records {
		if rec.Status != string(StatusBlocked) {
			t.Errorf("stored status = %q", rec.Status)
		}
		if !strings.HasPrefix(rec.SealID, "QES_SEAL_") {
			t.Errorf("stored seal id = %q, want the real seal", rec.SealID)
		}
	}
}

func TestProcessSealFailureRecordsError(t *testing.T) {
	p, sealer, store := newTestPipeline(t)
	sealer.fail = true

	res, err := p.Process(context.Background(), Request{
		AgentID:      "agent-1",
		Action:       "Generate Report",
		Payload:      "report data",
		TargetRegion: "DE",
	})
	if err != nil {
		t.Fatalf("Process() error = %v, seal failures must not abort", err)
	}
	if !strings.HasPrefix(res.SealID, "ERROR: ") {
		t.Errorf("SealID = %q, want ERROR: prefix", res.SealID)
	}

	rec, err := store.GetRecord(context.Background(), res.TxID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if !strings.HasPrefix(rec.SealID, "ERROR: ") {
		t.Errorf("stored seal id = %q", rec.SealID)
	}
}

func TestProcessStoreFailureAborts(t *testing.T) {
	p, _, store := newTestPipeline(t)
	store.insertErr = errors.New("disk full")

	if _, err := p.Process(context.Background(), Request{
		Action:  "Generate Report",
		Payload: "x",
	}); err == nil {
		t.Fatal("Process() error = nil, want persistence failure")
	}
}

func TestProcessHighRiskRequiresOversight(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	res, err := p.Process(context.Background(), Request{
		AgentID:      "agent-1",
		Action:       "Credit Check",
		Payload:      "credit application data",
		TargetRegion: "EU",
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.RiskLevel != risk.LevelHigh {
		t.Errorf("RiskLevel = %s, want HIGH", res.RiskLevel)
	}
	if res.HumanOversight != OversightPending {
		t.Errorf("HumanOversight = %q, want PENDING", res.HumanOversight)
	}
}

func TestProcessExplicitOversightFlag(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	res, err := p.Process(context.Background(), Request{
		Action:                 "Generate Weekly Summary",
		Payload:                "low risk",
		RequiresHumanOversight: true,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.HumanOversight != OversightPending {
		t.Errorf("HumanOversight = %q, want PENDING", res.HumanOversight)
	}
}

func TestReadPayloadAndShredLifecycle(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.Process(ctx, Request{
		Action:  "Store Note",
		Payload: "the original payload text",
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got, err := p.ReadPayload(ctx, res.TxID)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if !bytes.Equal(got, []byte("the original payload text")) {
		t.Errorf("ReadPayload() = %q", got)
	}

	if err := p.Shred(ctx, res.TxID); err != nil {
		t.Fatalf("Shred() error = %v", err)
	}
	if _, err := p.ReadPayload(ctx, res.TxID); !errors.Is(err, ErrPayloadErased) {
		t.Errorf("ReadPayload() after shred error = %v, want ErrPayloadErased", err)
	}

	// Idempotent shred.
	if err := p.Shred(ctx, res.TxID); err != nil {
		t.Errorf("second Shred() error = %v", err)
	}

	if err := p.Shred(ctx, "tx-missing"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Shred() unknown id error = %v, want ErrNotFound", err)
	}
}

func TestCircuitControlAndSync(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	p.SetCircuitOpen(true)
	if !p.CircuitOpen() {
		t.Fatal("CircuitOpen() = false after opening")
	}

	res, err := p.Process(ctx, Request{Action: "Ping", Payload: "x"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !strings.HasPrefix(res.SealID, "PENDING_SYNC_LOCAL:") {
		t.Errorf("SealID = %q, want PENDING_SYNC_LOCAL prefix", res.SealID)
	}
	if p.SealBufferLen() != 1 {
		t.Errorf("SealBufferLen() = %d, want 1", p.SealBufferLen())
	}

	p.SetCircuitOpen(false)
	n, err := p.SyncSeals(ctx)
	if err != nil {
		t.Fatalf("SyncSeals() error = %v", err)
	}
	if n != 1 || p.SealBufferLen() != 0 {
		t.Errorf("SyncSeals() = %d (buffer %d), want 1 (buffer 0)", n, p.SealBufferLen())
	}
}
