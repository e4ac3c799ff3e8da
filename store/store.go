// Package store is a thin typed layer over a transactional, ordered,
// watchable key-value store, per spec section 4.1. It never inspects the
// bytes it stores; every value is an opaque JSON blob owned by a caller.
package store

import (
	"context"
	"errors"
)

// Versionstamp is an opaque, monotonically increasing marker attached to
// every stored value. Two reads of the same key return equal versionstamps
// iff no write to that key happened between them. It stands in for
// FoundationDB's 12-byte versionstamp, translated to a plain counter since
// none of the retrieval pack's stores are versionstamp-native (see
// SPEC_FULL.md's DOMAIN STACK section).
type Versionstamp int64

// Entry is a single key's value and version, or an absence marker.
type Entry struct {
	Key     string
	Value   []byte
	Version Versionstamp
	Present bool
}

// Precondition gates a Commit's writes on the observed state of a key at
// the time the Commit was built. Exactly one of "current version" or
// "must be absent" is meaningful per precondition.
type Precondition struct {
	Key          string
	Version      Versionstamp
	MustBeAbsent bool
}

// Write is a single key's mutation within a Commit.
type Write struct {
	Key    string
	Value  []byte
	Delete bool
}

// Commit is the unit of atomicity AtomicCommit accepts: every Precondition
// is checked and every Write applied, or none are.
type Commit struct {
	Preconditions []Precondition
	Writes        []Write
}

// Empty reports whether the commit has no preconditions and no writes.
// RunTransaction callers return an empty Commit to signal a successful
// no-op without needing a sentinel error.
func (c Commit) Empty() bool {
	return len(c.Preconditions) == 0 && len(c.Writes) == 0
}

// ErrRetry is returned by AtomicCommit when a precondition failed, and may
// also be returned by a RunTransaction builder function to force another
// iteration (e.g. a username candidate collided). It is always absorbed by
// RunTransaction and must never escape to a caller outside this package's
// transaction helpers.
var ErrRetry = errors.New("store: precondition failed")

// ErrNotFound distinguishes a required-but-missing record from a key that
// is legitimately allowed to be absent.
var ErrNotFound = errors.New("store: not found")

// ErrWatchClosed is returned by WatchStream.Next after Close has been
// called on the stream.
var ErrWatchClosed = errors.New("store: watch stream closed")

// Store is the contract every backend (Redis, in-memory, ...) implements.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	BatchGet(ctx context.Context, keys []string) ([]Entry, error)
	ListByPrefix(ctx context.Context, prefix string) ([]Entry, error)

	// AtomicCommit applies c atomically: either every precondition holds
	// and every write lands, or nothing changes and ErrRetry is returned.
	AtomicCommit(ctx context.Context, c Commit) error

	// Watch returns a stream that yields a fresh snapshot of keys whenever
	// any of them changes. The first Next() call always returns the
	// current snapshot immediately.
	Watch(ctx context.Context, keys []string) (WatchStream, error)
}

// WatchStream is a lazy, restartable, cancellable sequence of snapshots.
// Cancelling ctx (or calling Close) unblocks an in-flight Next call.
type WatchStream interface {
	Next(ctx context.Context) ([]Entry, error)
	Close() error
}
