// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Package api exposes the compliance pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	jsonenc "github.com/goccy/go-json"

	"github.com/custodia-ai/custodia/internal/database"
	"github.com/custodia-ai/custodia/internal/logging"
	"github.com/custodia-ai/custodia/internal/pipeline"
	"github.com/custodia-ai/custodia/internal/shredder"
)

// Pipeline is the pipeline surface the handlers need. Narrow so tests can
// stub it.
type Pipeline interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	ReadPayload(ctx context.Context, txID string) ([]byte, error)
	Shred(ctx context.Context, txID string) error
	ListRecords(ctx context.Context, limit, offset int) ([]database.Record, error)
	GetRecord(ctx context.Context, txID string) (*database.Record, error)
	SyncSeals(ctx context.Context) (int, error)
	SetCircuitOpen(open bool)
	CircuitOpen() bool
	SealBufferLen() int
}

// Pinger is the health-check surface of the record store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler carries the HTTP handlers' dependencies.
type Handler struct {
	pipe     Pipeline
	db       Pinger
	validate *validator.Validate
}

// NewHandler creates a Handler. db may be nil (health reports degraded).
func NewHandler(pipe Pipeline, db Pinger) *Handler {
	return &Handler{
		pipe:     pipe,
		db:       db,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// LogActionRequest is the POST /api/v1/log_action body.
type LogActionRequest struct {
	AgentID                string `json:"agent_id" validate:"required,max=256"`
	Action                 string `json:"action" validate:"required,max=1024"`
	Payload                string `json:"payload" validate:"required"`
	TargetRegion           string `json:"target_region"`
	UserID                 string `json:"user_id" validate:"omitempty,max=256"`
	RequiresHumanOversight bool   `json:"requires_human_oversight"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsonenc.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// LogAction runs the pipeline for one agent action. Blocked actions return
// 403 with the same body shape as success.
func (h *Handler) LogAction(w http.ResponseWriter, r *http.Request) {
	var req LogActionRequest
	if err := jsonenc.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.pipe.Process(r.Context(), pipeline.Request{
		AgentID:                req.AgentID,
		Action:                 req.Action,
		Payload:                req.Payload,
		TargetRegion:           req.TargetRegion,
		UserID:                 req.UserID,
		RequiresHumanOversight: req.RequiresHumanOversight,
	})
	if err != nil {
		logging.Err(err).Str("action", req.Action).Msg("Pipeline failed")
		writeError(w, http.StatusInternalServerError, "failed to log action")
		return
	}

	status := http.StatusOK
	if res.Status == pipeline.StatusBlocked {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

type listRecordsResponse struct {
	Records []database.Record `json:"records"`
	Page    int               `json:"page"`
	Limit   int               `json:"limit"`
}

// ListRecords pages through the audit trail, newest first.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", 100)
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	recs, err := h.pipe.ListRecords(r.Context(), limit, (page-1)*limit)
	if err != nil {
		logging.Err(err).Msg("Failed to list records")
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if recs == nil {
		recs = []database.Record{}
	}
	writeJSON(w, http.StatusOK, listRecordsResponse{Records: recs, Page: page, Limit: limit})
}

type payloadResponse struct {
	TxID    string `json:"tx_id"`
	Payload string `json:"payload"`
}

// ReadPayload decrypts a record's payload. Shredded records answer 410
// with the stable GDPR_PURGED message.
func (h *Handler) ReadPayload(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")

	payload, err := h.pipe.ReadPayload(r.Context(), txID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
		return
	case errors.Is(err, shredder.ErrErased):
		writeError(w, http.StatusGone, err.Error())
		return
	case errors.Is(err, shredder.ErrDecryptFailed):
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case err != nil:
		logging.Err(err).Str("tx_id", txID).Msg("Failed to read payload")
		writeError(w, http.StatusInternalServerError, "failed to read payload")
		return
	}
	writeJSON(w, http.StatusOK, payloadResponse{TxID: txID, Payload: string(payload)})
}

// Shred destroys a record's encryption key. 204 on success, also for
// repeat calls on an already-shredded record.
func (h *Handler) Shred(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")

	err := h.pipe.Shred(r.Context(), txID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
		return
	case err != nil:
		logging.Err(err).Str("tx_id", txID).Msg("Failed to shred record")
		writeError(w, http.StatusInternalServerError, "failed to shred record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncResponse struct {
	Synced    int `json:"synced"`
	Remaining int `json:"remaining"`
}

// SyncSeals drains the offline seal buffer.
func (h *Handler) SyncSeals(w http.ResponseWriter, r *http.Request) {
	n, err := h.pipe.SyncSeals(r.Context())
	if err != nil {
		logging.Err(err).Int("synced", n).Msg("Seal sync halted")
		writeJSON(w, http.StatusBadGateway, syncResponse{Synced: n, Remaining: h.pipe.SealBufferLen()})
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Synced: n, Remaining: h.pipe.SealBufferLen()})
}

// circuitRequest uses a pointer so "open absent" and "open: false" are
// distinguishable; the handler checks presence itself.
type circuitRequest struct {
	Open *bool `json:"open"`
}

type circuitResponse struct {
	Open     bool `json:"open"`
	Buffered int  `json:"buffered"`
}

// SetCircuit toggles the sealing client's offline mode.
func (h *Handler) SetCircuit(w http.ResponseWriter, r *http.Request) {
	var req circuitRequest
	if err := jsonenc.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Open == nil {
		writeError(w, http.StatusBadRequest, "missing required field: open")
		return
	}

	h.pipe.SetCircuitOpen(*req.Open)
	writeJSON(w, http.StatusOK, circuitResponse{
		Open:     h.pipe.CircuitOpen(),
		Buffered: h.pipe.SealBufferLen(),
	})
}

// Health reports liveness and database connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "database unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
