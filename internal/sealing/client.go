// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Package sealing obtains qualified electronic seals (QES) over payload
// hashes from an eIDAS trust service provider.
//
// The client degrades gracefully: when the manual circuit flag is open,
// seal requests buffer locally and return a PENDING_SYNC_LOCAL receipt
// instead of touching the network. Buffered hashes are drained FIFO by
// SyncPending once connectivity returns. The live network path is
// additionally guarded by an automatic circuit breaker and a client-side
// rate limiter.
package sealing

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jsonenc "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/custodia-ai/custodia/internal/logging"
	"github.com/custodia-ai/custodia/internal/metrics"
)

// tokenExpirySlack is subtracted from the provider's expires_in so we
// refresh before the token actually lapses mid-request.
const tokenExpirySlack = 30 * time.Second

// Config carries provider endpoints and credentials.
type Config struct {
	TokenURL     string
	APIURL       string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// MaxRequestsPerSecond bounds outbound seal calls; zero disables the
	// limiter.
	MaxRequestsPerSecond float64
}

// Client is a QES sealing client. All methods are safe for concurrent use;
// no lock is held across network I/O.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[string]
	limiter    *rate.Limiter

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	circuitMu   sync.RWMutex
	circuitOpen bool

	bufMu   sync.Mutex
	pending []string
}

// New creates a sealing client from cfg.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.MaxRequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1)
	}

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "sealing-provider",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Sealing circuit breaker state changed")
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		limiter:    limiter,
	}
}

// RequestSeal seals payloadHash with the trust service provider.
//
// With the circuit open the hash is enqueued and a local receipt of the
// form "PENDING_SYNC_LOCAL:[<hash>]" is returned as a success; no network
// I/O happens. Otherwise a live seal is requested and the result is
// "QES_SEAL_<id> | TIMESTAMP: <unix>".
func (c *Client) RequestSeal(ctx context.Context, payloadHash string) (string, error) {
	if c.CircuitOpen() {
		c.enqueue(payloadHash)
		metrics.SealRequestsTotal.WithLabelValues("buffered").Inc()
		logging.Info().Str("payload_hash", payloadHash).Msg("Circuit open, seal buffered for later sync")
		return fmt.Sprintf("PENDING_SYNC_LOCAL:[%s]", payloadHash), nil
	}

	seal, err := c.sealLive(ctx, payloadHash)
	if err != nil {
		metrics.SealRequestsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.SealRequestsTotal.WithLabelValues("sealed").Inc()
	return seal, nil
}

// sealLive performs the rate-limited, breaker-guarded network call.
func (c *Client) sealLive(ctx context.Context, payloadHash string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	return c.breaker.Execute(func() (string, error) {
		token, err := c.fetchToken(ctx)
		if err != nil {
			return "", err
		}
		return c.postSeal(ctx, token, payloadHash)
	})
}

// fetchToken returns a cached OAuth2 access token, refreshing it via the
// client-credentials grant when absent or within tokenExpirySlack of
// expiry.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		token := c.accessToken
		c.tokenMu.Unlock()
		return token, nil
	}
	c.tokenMu.Unlock()

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := jsonenc.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access_token")
	}

	expiry := time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySlack)

	c.tokenMu.Lock()
	c.accessToken = tr.AccessToken
	c.tokenExpiry = expiry
	c.tokenMu.Unlock()

	return tr.AccessToken, nil
}

// postSeal submits the hash for sealing and formats the receipt.
func (c *Client) postSeal(ctx context.Context, token, payloadHash string) (string, error) {
	body, err := jsonenc.Marshal(map[string]string{"payload": payloadHash})
	if err != nil {
		return "", fmt.Errorf("failed to encode seal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build seal request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("seal request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("sealing provider returned status %d", resp.StatusCode)
	}

	var sr struct {
		DocumentID string `json:"documentId"`
		ID         string `json:"id"`
		SealID     string `json:"sealId"`
	}
	if err := jsonenc.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("failed to decode seal response: %w", err)
	}

	// Providers disagree on the id field name; take the first present.
	sealID := sr.DocumentID
	if sealID == "" {
		sealID = sr.ID
	}
	if sealID == "" {
		sealID = sr.SealID
	}
	if sealID == "" {
		return "", fmt.Errorf("seal response carried no document id")
	}

	return fmt.Sprintf("QES_SEAL_%s | TIMESTAMP: %d", sealID, time.Now().Unix()), nil
}

// SyncPending drains the local buffer FIFO, sealing each hash live. It
// stops at the first failure, re-enqueuing the failed hash at the front so
// order is preserved, and returns how many hashes were sealed.
func (c *Client) SyncPending(ctx context.Context) (int, error) {
	synced := 0
	for {
		hash, ok := c.dequeue()
		if !ok {
			return synced, nil
		}

		if _, err := c.sealLive(ctx, hash); err != nil {
			c.requeueFront(hash)
			metrics.SealRequestsTotal.WithLabelValues("error").Inc()
			return synced, fmt.Errorf("sync halted after %d seals: %w", synced, err)
		}
		synced++
		metrics.SealSyncedTotal.Inc()
	}
}

// SetCircuitOpen toggles offline mode. Opening it routes new seal requests
// to the local buffer; closing it resumes live sealing (buffered hashes
// still need SyncPending).
func (c *Client) SetCircuitOpen(open bool) {
	c.circuitMu.Lock()
	changed := c.circuitOpen != open
	c.circuitOpen = open
	c.circuitMu.Unlock()

	if open {
		metrics.SealCircuitState.Set(1)
	} else {
		metrics.SealCircuitState.Set(0)
	}
	if changed {
		logging.Info().Bool("open", open).Msg("Sealing circuit flag changed")
	}
}

// CircuitOpen reports whether offline mode is active.
func (c *Client) CircuitOpen() bool {
	c.circuitMu.RLock()
	defer c.circuitMu.RUnlock()
	return c.circuitOpen
}

// BufferLen returns the number of hashes awaiting sync.
func (c *Client) BufferLen() int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return len(c.pending)
}

func (c *Client) enqueue(hash string) {
	c.bufMu.Lock()
	c.pending = append(c.pending, hash)
	depth := len(c.pending)
	c.bufMu.Unlock()
	metrics.SealBufferDepth.Set(float64(depth))
}

func (c *Client) dequeue() (string, bool) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if len(c.pending) == 0 {
		return "", false
	}
	hash := c.pending[0]
	c.pending = c.pending[1:]
	metrics.SealBufferDepth.Set(float64(len(c.pending)))
	return hash, true
}

func (c *Client) requeueFront(hash string) {
	c.bufMu.Lock()
	c.pending = append([]string{hash}, c.pending...)
	metrics.SealBufferDepth.Set(float64(len(c.pending)))
	c.bufMu.Unlock()
}
