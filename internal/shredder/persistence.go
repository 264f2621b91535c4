// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

package shredder

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/custodia-ai/custodia/internal/logging"
)

// KeyPersistence stores wrapped DEKs and shred tombstones durably so the
// key store survives restarts. Implementations must never see plaintext
// key material: only KEK-wrapped bytes cross this boundary.
type KeyPersistence interface {
	// Save stores the wrapped DEK for a new record.
	Save(ctx context.Context, recordID string, wrapped []byte, createdAt time.Time) error

	// MarkShredded atomically deletes the wrapped DEK and writes a
	// tombstone so the erasure survives restarts.
	MarkShredded(ctx context.Context, recordID string) error

	// Load replays every stored entry (live and tombstoned) into fn.
	Load(fn func(recordID string, wrapped []byte, createdAt time.Time, shredded bool) error) error

	// Close releases the underlying store.
	Close() error
}

const (
	dekKeyPrefix  = "dek:"
	tombKeyPrefix = "tomb:"
)

// BadgerStore is a Badger-backed KeyPersistence. Badger's value log is
// append-only, so MarkShredded relies on deletion plus a tombstone rather
// than in-place overwrite; the wrapped DEK bytes only become unreadable,
// and are reclaimed by value-log GC.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the key store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{}).
		WithCompactL0OnClose(true)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Save stores createdAt (8 bytes, big-endian unix nanos) followed by the
// wrapped DEK under dek:<id>.
func (b *BadgerStore) Save(_ context.Context, recordID string, wrapped []byte, createdAt time.Time) error {
	val := make([]byte, 8+len(wrapped))
	binary.BigEndian.PutUint64(val[:8], uint64(createdAt.UnixNano()))
	copy(val[8:], wrapped)

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(dekKeyPrefix+recordID), val)
	})
	if err != nil {
		return fmt.Errorf("failed to save wrapped DEK: %w", err)
	}
	return nil
}

// MarkShredded deletes the DEK row and writes the tombstone in one
// transaction, so a crash between the two cannot resurrect the key.
func (b *BadgerStore) MarkShredded(_ context.Context, recordID string) error {
	now := make([]byte, 8)
	binary.BigEndian.PutUint64(now, uint64(time.Now().UTC().UnixNano()))

	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(dekKeyPrefix + recordID)); err != nil {
			return err
		}
		return txn.Set([]byte(tombKeyPrefix+recordID), now)
	})
	if err != nil {
		return fmt.Errorf("failed to tombstone record: %w", err)
	}
	return nil
}

// Load iterates live DEK rows first, then tombstones. A tombstone always
// wins over a (stale) DEK row for the same id because it replays second.
func (b *BadgerStore) Load(fn func(recordID string, wrapped []byte, createdAt time.Time, shredded bool) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		var tombs [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			switch {
			case strings.HasPrefix(key, dekKeyPrefix):
				id := strings.TrimPrefix(key, dekKeyPrefix)
				err := item.Value(func(val []byte) error {
					if len(val) < 8 {
						return fmt.Errorf("corrupt key store entry for %s", id)
					}
					createdAt := time.Unix(0, int64(binary.BigEndian.Uint64(val[:8]))).UTC()
					wrapped := make([]byte, len(val)-8)
					copy(wrapped, val[8:])
					return fn(id, wrapped, createdAt, false)
				})
				if err != nil {
					return err
				}
			case strings.HasPrefix(key, tombKeyPrefix):
				tombs = append(tombs, item.KeyCopy(nil))
			}
		}

		for _, key := range tombs {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			id := strings.TrimPrefix(string(key), tombKeyPrefix)
			err = item.Value(func(val []byte) error {
				shredAt := time.Unix(0, int64(binary.BigEndian.Uint64(val))).UTC()
				return fn(id, nil, shredAt, true)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the Badger database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// badgerLogger routes Badger's internal logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error().Msgf("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn().Msgf("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logging.Debug().Msgf("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Debug().Msgf("badger: "+strings.TrimSpace(format), args...)
}
