// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

// Package shredder implements envelope encryption with cryptographic
// erasure (crypto-shredding) for GDPR Article 17.
//
// Every logged payload is encrypted under its own fresh Data Encryption Key
// (DEK); the DEK is wrapped under a process-wide Key Encryption Key (KEK)
// and stored in the key store. Erasure destroys only the wrapped DEK:
// ciphertext may live forever in append-only logs, backups and replicas,
// but without the key it is permanently unrecoverable. This makes erasure
// O(1) per record regardless of how many ciphertext copies exist.
//
// Algorithm: AES-256-GCM for both payload encryption and DEK wrapping, with
// 12-byte random nonces. The KEK is derived from the configured master
// secret using HKDF-SHA256 and is held in memory for the process lifetime —
// never logged, never persisted.
package shredder

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/custodia-ai/custodia/internal/logging"
	"github.com/custodia-ai/custodia/internal/metrics"
)

const (
	// kekDerivationSalt binds the derived KEK to this use case.
	kekDerivationSalt = "custodia-key-encryption"

	// kekDerivationInfo is the HKDF info parameter.
	kekDerivationInfo = "dek-wrap-v1"

	// dekSize is the DEK length in bytes (256 bits).
	dekSize = 32

	// recordIDPrefix namespaces key-store record ids.
	recordIDPrefix = "rec_"
)

var (
	// ErrErased is returned when reading a record whose key was shredded.
	// The message is a stable contract string client integrations branch on.
	ErrErased = errors.New("GDPR_PURGED: data encryption key destroyed")

	// ErrDecryptFailed is returned on ciphertext/nonce tamper or corruption.
	// Decryption fails closed: no partial plaintext is ever returned.
	ErrDecryptFailed = errors.New("decryption failed: ciphertext or key corrupted")

	// ErrEmptySecret is returned when the master secret is empty.
	ErrEmptySecret = errors.New("master secret cannot be empty")
)

// EncryptedRecord is an immutable encrypted log entry. It carries only
// ciphertext and nonce, never key material.
type EncryptedRecord struct {
	RecordID   string
	Ciphertext []byte
	Nonce      []byte
}

// entry is a wrapped-DEK key-store row. It is mutated exactly once, by
// ShredKey setting shreddedAt; the row itself is never deleted.
type entry struct {
	wrappedDEK []byte
	createdAt  time.Time
	shreddedAt *time.Time
}

// Shredder owns the in-process key store and the KEK.
type Shredder struct {
	kek     cipher.AEAD
	mu      sync.RWMutex
	entries map[string]*entry
	persist KeyPersistence
}

// New creates a Shredder. The KEK is derived from masterSecret with
// HKDF-SHA256. persist may be nil for an in-memory key store (tests);
// when set, surviving wrapped DEKs and shred tombstones are rehydrated.
func New(masterSecret string, persist KeyPersistence) (*Shredder, error) {
	if masterSecret == "" {
		return nil, ErrEmptySecret
	}

	key := make([]byte, dekSize)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), []byte(kekDerivationSalt), []byte(kekDerivationInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive KEK: %w", err)
	}

	kek, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KEK cipher: %w", err)
	}

	s := &Shredder{
		kek:     kek,
		entries: make(map[string]*entry),
		persist: persist,
	}

	if persist != nil {
		if err := s.rehydrate(); err != nil {
			return nil, fmt.Errorf("failed to rehydrate key store: %w", err)
		}
	}

	return s, nil
}

// rehydrate reloads key-store state from persistence.
func (s *Shredder) rehydrate() error {
	count := 0
	err := s.persist.Load(func(id string, wrapped []byte, createdAt time.Time, shredded bool) error {
		e := &entry{wrappedDEK: wrapped, createdAt: createdAt}
		if shredded {
			now := createdAt
			e.shreddedAt = &now
			e.wrappedDEK = nil
		} else {
			count++
		}
		s.entries[id] = e
		return nil
	})
	if err != nil {
		return err
	}
	metrics.KeyStoreEntries.Set(float64(count))
	if len(s.entries) > 0 {
		logging.Info().Int("entries", len(s.entries)).Int("live", count).Msg("Key store rehydrated")
	}
	return nil
}

// LogEvent envelope-encrypts payload under a fresh DEK and stores the
// wrapped DEK. Returns the immutable EncryptedRecord; the only other side
// effect is one new key-store entry.
func (s *Shredder) LogEvent(ctx context.Context, payload []byte) (*EncryptedRecord, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}

	payloadCipher, err := newAEAD(dek)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cipher: %w", err)
	}

	nonce := make([]byte, payloadCipher.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := payloadCipher.Seal(nil, nonce, payload, nil)

	// Wrap the DEK under the KEK; the wrap nonce is prepended to the
	// wrapped bytes so the stored blob is self-contained.
	wrapNonce := make([]byte, s.kek.NonceSize())
	if _, err := rand.Read(wrapNonce); err != nil {
		return nil, fmt.Errorf("failed to generate wrap nonce: %w", err)
	}
	wrapped := s.kek.Seal(wrapNonce, wrapNonce, dek, nil)

	// The plaintext DEK is not needed past this point.
	zero(dek)

	recordID := recordIDPrefix + uuid.NewString()
	now := time.Now().UTC()

	s.mu.Lock()
	s.entries[recordID] = &entry{wrappedDEK: wrapped, createdAt: now}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(ctx, recordID, wrapped, now); err != nil {
			// The in-memory entry stays authoritative for this process;
			// losing durability is reported, not fatal.
			logging.Err(err).Str("record_id", recordID).Msg("Failed to persist wrapped DEK")
		}
	}

	metrics.KeyStoreEntries.Inc()

	return &EncryptedRecord{
		RecordID:   recordID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	}, nil
}

// ReadEvent decrypts a record's payload. Returns ErrErased when the key is
// absent or shredded, ErrDecryptFailed on tamper or corruption.
func (s *Shredder) ReadEvent(_ context.Context, rec *EncryptedRecord) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[rec.RecordID]
	var wrapped []byte
	if ok && e.shreddedAt == nil {
		wrapped = make([]byte, len(e.wrappedDEK))
		copy(wrapped, e.wrappedDEK)
	}
	s.mu.RUnlock()

	if wrapped == nil {
		metrics.PurgedReadsTotal.Inc()
		return nil, ErrErased
	}

	nonceSize := s.kek.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, ErrDecryptFailed
	}
	dek, err := s.kek.Open(nil, wrapped[:nonceSize], wrapped[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	defer zero(dek)

	payloadCipher, err := newAEAD(dek)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	plaintext, err := payloadCipher.Open(nil, rec.Nonce, rec.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// ShredKey irreversibly destroys the wrapped DEK for recordID and marks the
// entry shredded. Idempotent: shredding an already-shredded or unknown id
// is a no-op, never an error.
func (s *Shredder) ShredKey(ctx context.Context, recordID string) error {
	s.mu.Lock()
	e, ok := s.entries[recordID]
	if !ok || e.shreddedAt != nil {
		s.mu.Unlock()
		return nil
	}
	zero(e.wrappedDEK)
	e.wrappedDEK = nil
	now := time.Now().UTC()
	e.shreddedAt = &now
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.MarkShredded(ctx, recordID); err != nil {
			return fmt.Errorf("key shredded in memory but tombstone write failed: %w", err)
		}
	}

	metrics.ShredsTotal.Inc()
	metrics.KeyStoreEntries.Dec()
	logging.Info().Str("record_id", recordID).Msg("Data encryption key shredded")
	return nil
}

// WrappedDEK returns a copy of the wrapped DEK for external durable storage
// alongside the audit row. Returns false when the entry is absent or
// shredded.
func (s *Shredder) WrappedDEK(recordID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[recordID]
	if !ok || e.shreddedAt != nil {
		return nil, false
	}
	out := make([]byte, len(e.wrappedDEK))
	copy(out, e.wrappedDEK)
	return out, true
}

// newAEAD builds an AES-256-GCM AEAD from a 32-byte key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// zero overwrites b. Go gives no guarantee the GC hasn't copied the slice,
// but clearing the canonical buffer still shrinks the exposure window.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
