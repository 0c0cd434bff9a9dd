// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

// Package runlock provides a TTL-backed lease that serializes backup runs.
//
// The scheduler tick and the manual trigger endpoint can both start a run;
// the lease guarantees at most one is in flight. Leases are stored in Badger
// with a TTL so a crashed run cannot wedge the engine: the lease simply
// expires and the next tick proceeds.
package runlock

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ErrLeaseHeld is returned by Acquire when another run holds the lease.
var ErrLeaseHeld = errors.New("backup run lease already held")

const leaseKeyPrefix = "runlease:"

// DefaultTTL bounds how long a crashed run can block subsequent runs.
const DefaultTTL = 2 * time.Hour

// Lock is a Badger-backed run lease.
type Lock struct {
	db  *badger.DB
	ttl time.Duration
}

// New creates a run lock on the given Badger database. A non-positive ttl
// falls back to DefaultTTL.
func New(db *badger.DB, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{db: db, ttl: ttl}
}

// Lease identifies one acquired lease. Release must be called with the same
// lease; a stale holder whose lease already expired and was re-acquired will
// not release the new holder's lease.
type Lease struct {
	ID   string
	Date string
}

// Acquire takes the run lease for the given backup date. Returns ErrLeaseHeld
// if a live lease exists, regardless of date: runs are serialized globally,
// not per date.
func (l *Lock) Acquire(date string) (*Lease, error) {
	lease := &Lease{ID: uuid.New().String(), Date: date}

	err := l.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(leaseKey()))
		if err == nil {
			return ErrLeaseHeld
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check lease: %w", err)
		}

		entry := badger.NewEntry([]byte(leaseKey()), []byte(lease.ID)).WithTTL(l.ttl)
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("write lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Release frees the lease if it is still held by the given holder. Releasing
// an expired or superseded lease is a no-op.
func (l *Lock) Release(lease *Lease) error {
	if lease == nil {
		return nil
	}

	return l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(leaseKey()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("check lease: %w", err)
		}

		var current string
		if err := item.Value(func(val []byte) error {
			current = string(val)
			return nil
		}); err != nil {
			return fmt.Errorf("read lease holder: %w", err)
		}
		if current != lease.ID {
			return nil
		}
		return txn.Delete([]byte(leaseKey()))
	})
}

// Held reports whether a live lease exists.
func (l *Lock) Held() (bool, error) {
	held := false
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(leaseKey()))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		held = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check lease: %w", err)
	}
	return held, nil
}

func leaseKey() string {
	return leaseKeyPrefix + "current"
}
