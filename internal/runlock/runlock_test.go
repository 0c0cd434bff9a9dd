// Quorum Backupd - Scheduled Backup & Multi-Tier Retention Engine
// Copyright 2026 Quorum Portal Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quorum-portal/backupd

package runlock

import (
	"errors"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAcquireAndRelease(t *testing.T) {
	lock := New(newTestDB(t), time.Hour)

	lease, err := lock.Acquire("2026-02-10")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.ID == "" || lease.Date != "2026-02-10" {
		t.Errorf("unexpected lease %+v", lease)
	}

	held, err := lock.Held()
	if err != nil {
		t.Fatalf("Held: %v", err)
	}
	if !held {
		t.Error("lease should be held after Acquire")
	}

	if err := lock.Release(lease); err != nil {
		t.Fatalf("Release: %v", err)
	}

	held, err = lock.Held()
	if err != nil {
		t.Fatalf("Held: %v", err)
	}
	if held {
		t.Error("lease should be free after Release")
	}
}

func TestAcquireWhileHeld(t *testing.T) {
	lock := New(newTestDB(t), time.Hour)

	first, err := lock.Acquire("2026-02-10")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// A second acquire must fail even for a different date: runs are
	// serialized globally.
	if _, err := lock.Acquire("2026-02-11"); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("expected ErrLeaseHeld, got %v", err)
	}

	if err := lock.Release(first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := lock.Acquire("2026-02-11"); err != nil {
		t.Errorf("Acquire after Release: %v", err)
	}
}

func TestReleaseIsHolderScoped(t *testing.T) {
	db := newTestDB(t)
	lock := New(db, time.Hour)

	stale := &Lease{ID: "some-stale-run", Date: "2026-02-09"}

	current, err := lock.Acquire("2026-02-10")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Releasing a lease that is not the current holder must not free the
	// current holder's lease.
	if err := lock.Release(stale); err != nil {
		t.Fatalf("Release stale: %v", err)
	}
	held, err := lock.Held()
	if err != nil {
		t.Fatalf("Held: %v", err)
	}
	if !held {
		t.Error("stale release must not free the current lease")
	}

	if err := lock.Release(current); err != nil {
		t.Fatalf("Release current: %v", err)
	}
}

func TestReleaseNilLease(t *testing.T) {
	lock := New(newTestDB(t), time.Hour)
	if err := lock.Release(nil); err != nil {
		t.Errorf("Release(nil) should be a no-op, got %v", err)
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	lock := New(newTestDB(t), 0)
	if lock.ttl != DefaultTTL {
		t.Errorf("expected DefaultTTL fallback, got %v", lock.ttl)
	}
}
