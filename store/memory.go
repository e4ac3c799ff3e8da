package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store implementation used by tests and by
// `cmd/server --store memory` for local development. It is the store
// every package in this module is unit-tested against; RedisStore exists
// for production deployment and is exercised separately (see
// redis_test.go).
type MemoryStore struct {
	mu   sync.Mutex
	cond *sync.Cond
	data map[string]*memRecord
	seq  int64
}

type memRecord struct {
	value   []byte
	version Versionstamp
	present bool
}

// NewMemoryStore returns an empty, ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{data: make(map[string]*memRecord)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *MemoryStore) nextVersion() Versionstamp {
	m.seq++
	return Versionstamp(m.seq)
}

func (m *MemoryStore) getLocked(key string) Entry {
	r, ok := m.data[key]
	if !ok || !r.present {
		return Entry{Key: key, Present: false}
	}
	v := make([]byte, len(r.value))
	copy(v, r.value)
	return Entry{Key: key, Value: v, Version: r.version, Present: true}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key), nil
}

func (m *MemoryStore) BatchGet(ctx context.Context, keys []string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = m.getLocked(k)
	}
	return out, nil
}

func (m *MemoryStore) ListByPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0)
	for k, r := range m.data {
		if r.present && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.getLocked(k))
	}
	return out, nil
}

func (m *MemoryStore) AtomicCommit(ctx context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range c.Preconditions {
		r, ok := m.data[p.Key]
		present := ok && r.present

		if p.MustBeAbsent {
			if present {
				return ErrRetry
			}
			continue
		}
		if !present || r.version != p.Version {
			return ErrRetry
		}
	}

	for _, w := range c.Writes {
		if w.Delete {
			if r, ok := m.data[w.Key]; ok {
				r.present = false
				r.value = nil
			}
			continue
		}
		v := make([]byte, len(w.Value))
		copy(v, w.Value)
		m.data[w.Key] = &memRecord{value: v, version: m.nextVersion(), present: true}
	}

	m.cond.Broadcast()
	return nil
}

func (m *MemoryStore) Watch(ctx context.Context, keys []string) (WatchStream, error) {
	ks := make([]string, len(keys))
	copy(ks, keys)
	return &memWatch{
		store: m,
		keys:  ks,
		last:  make(map[string]Versionstamp, len(ks)),
		seen:  make(map[string]bool, len(ks)),
		done:  make(chan struct{}),
	}, nil
}

type memWatch struct {
	store       *MemoryStore
	keys        []string
	last        map[string]Versionstamp
	seen        map[string]bool
	initialized bool
	done        chan struct{}
	closeOnce   sync.Once
}

func (w *memWatch) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return nil
}

func (w *memWatch) Next(ctx context.Context) ([]Entry, error) {
	m := w.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		select {
		case <-w.done:
			return nil, ErrWatchClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snap := make([]Entry, len(w.keys))
		changed := !w.initialized
		for i, k := range w.keys {
			e := m.getLocked(k)
			snap[i] = e
			if e.Present != w.seen[k] || e.Version != w.last[k] {
				changed = true
			}
		}
		if changed {
			w.initialized = true
			for i, k := range w.keys {
				w.seen[k] = snap[i].Present
				w.last[k] = snap[i].Version
			}
			return snap, nil
		}

		// Nothing changed yet: wait for the next write anywhere in the
		// store, waking early if ctx is cancelled or Close is called.
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-w.done:
			case <-stop:
				return
			}
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		}()
		m.cond.Wait()
		close(stop)
	}
}
