// Package changedetect decides whether a day needs to be exported again by
// comparing the current source record count with the count persisted at the
// last export decision.
//
// The gate is optimistic: the new count is persisted as soon as the verdict is
// "export", before the caller has written any output. A failed export after a
// positive verdict is therefore not retried until the count changes again,
// unless the caller bypasses the gate (manual runs do).
package changedetect

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Gate compares record counts against a Store.
//
// Thread Safety: Safe for concurrent use. Decisions for the same
// (date, kind) pair are serialized.
type Gate struct {
	store Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock serializes one (date, kind) pair. refs counts holders and waiters;
// the entry is dropped when it reaches zero.
type keyLock struct {
	sync.Mutex
	refs int
}

// NewGate creates a Gate backed by store.
func NewGate(store Store) *Gate {
	return &Gate{
		store: store,
		locks: make(map[string]*keyLock),
	}
}

// lock acquires the (date, kind) lock and returns its release function.
func (g *Gate) lock(date time.Time, kind string) (unlock func()) {
	key := kind + "|" + date.Format(time.DateOnly)

	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &keyLock{}
		g.locks[key] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, key)
		}
		g.mu.Unlock()
	}
}

// ShouldExport reports whether (date, kind) must be exported for the given
// current record count.
//
//   - count == nil (no data at the source): false, marker untouched.
//   - no marker, or marker differs: marker overwritten with *count, true.
//   - marker equals *count: false, marker untouched.
func (g *Gate) ShouldExport(date time.Time, count *int, kind string) (bool, error) {
	if count == nil {
		slog.Debug("no source data, skipping export", "date", date.Format(time.DateOnly), "kind", kind)
		return false, nil
	}

	defer g.lock(date, kind)()

	prev, ok, err := g.store.Load(date, kind)
	if err != nil {
		return false, fmt.Errorf("loading change marker: %w", err)
	}
	if ok && prev == *count {
		slog.Debug("record count unchanged, skipping export",
			"date", date.Format(time.DateOnly), "kind", kind, "count", *count)
		return false, nil
	}

	if err := g.store.Save(date, kind, *count); err != nil {
		return false, fmt.Errorf("saving change marker: %w", err)
	}

	slog.Info("record count changed, export needed",
		"date", date.Format(time.DateOnly),
		"kind", kind,
		"previous", previousForLog(prev, ok),
		"current", *count,
	)
	return true, nil
}

func previousForLog(prev int, ok bool) any {
	if !ok {
		return "none"
	}
	return prev
}
