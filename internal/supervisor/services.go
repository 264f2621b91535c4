// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/custodia-ai/custodia/internal/logging"
)

// HTTPService runs an http.Server as a suture service: Serve blocks until
// the server fails or ctx is canceled, then shuts down gracefully.
type HTTPService struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Server.ListenAndServe()
	}()

	logging.Info().Str("addr", s.Server.Addr).Msg("HTTP server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		timeout := s.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Server.Shutdown(shutdownCtx); err != nil {
			logging.Err(err).Msg("HTTP server shutdown failed")
		}
		<-errCh
		return ctx.Err()
	}
}

// SealSyncer is the sealing surface the resync loop needs.
type SealSyncer interface {
	SyncPending(ctx context.Context) (int, error)
	CircuitOpen() bool
	BufferLen() int
}

// SealSyncService periodically drains the offline seal buffer. It skips a
// tick while the circuit is open and tolerates sync failures, which leave
// the unsent hashes buffered for the next tick.
type SealSyncService struct {
	Syncer   SealSyncer
	Interval time.Duration
}

// Serve implements suture.Service.
func (s *SealSyncService) Serve(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.Syncer.CircuitOpen() || s.Syncer.BufferLen() == 0 {
				continue
			}
			n, err := s.Syncer.SyncPending(ctx)
			if err != nil {
				logging.Warn().Err(err).Int("synced", n).Int("remaining", s.Syncer.BufferLen()).
					Msg("Seal resync incomplete, will retry")
				continue
			}
			if n > 0 {
				logging.Info().Int("synced", n).Msg("Offline seal buffer drained")
			}
		}
	}
}
