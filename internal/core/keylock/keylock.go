// Package keylock provides per-key mutual exclusion for entity keys.
//
// Locks are acquired with a deadline and, for multi-key operations, always
// in canonical (lexicographic) key order so that two operations touching
// overlapping key sets can never wait on each other in a cycle.
package keylock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

type lock struct {
	ch   chan struct{}
	refs int
}

// Table holds one lock per key that is currently held or awaited. Idle
// keys are removed so the table stays proportional to in-flight work.
type Table struct {
	mu    sync.Mutex
	locks map[domain.Key]*lock
}

func New() *Table {
	return &Table{locks: make(map[domain.Key]*lock)}
}

func (t *Table) ref(key domain.Key) *lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[key]
	if !ok {
		l = &lock{ch: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	return l
}

func (t *Table) unref(key domain.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

// Acquire blocks until the lock for key is held. It gives up with
// LockTimeout when timeout elapses (timeout <= 0 means no per-lock limit)
// or when ctx is done.
func (t *Table) Acquire(ctx context.Context, key domain.Key, timeout time.Duration) error {
	l := t.ref(key)

	select {
	case l.ch <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-expired:
		t.unref(key)
		return domain.KeyError(domain.CodeLockTimeout, "lock wait exceeded "+timeout.String(), key)
	case <-ctx.Done():
		t.unref(key)
		return &domain.Error{Code: domain.CodeLockTimeout, Message: "lock wait cancelled", Key: key, Cause: ctx.Err()}
	}
}

// Release unlocks a key previously acquired by Acquire.
func (t *Table) Release(key domain.Key) {
	t.mu.Lock()
	l, ok := t.locks[key]
	t.mu.Unlock()
	if !ok {
		panic("keylock: release of unlocked key " + string(key))
	}
	<-l.ch
	t.unref(key)
}

// Len reports how many keys are currently held or awaited.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// Canonical returns a sorted copy of keys. Every multi-key acquisition
// must use this order.
func Canonical(keys []domain.Key) []domain.Key {
	out := slices.Clone(keys)
	slices.Sort(out)
	return out
}

// Held is a set of locks acquired together.
type Held struct {
	table *Table
	keys  []domain.Key
}

// AcquireAll locks keys in canonical order. On failure every lock taken so
// far is released before the error is returned.
func (t *Table) AcquireAll(ctx context.Context, keys []domain.Key, timeout time.Duration) (*Held, error) {
	h := &Held{table: t, keys: make([]domain.Key, 0, len(keys))}
	for _, key := range Canonical(keys) {
		if err := t.Acquire(ctx, key, timeout); err != nil {
			h.Release()
			return nil, err
		}
		h.keys = append(h.keys, key)
	}
	return h, nil
}

// Keys returns the held keys in acquisition order.
func (h *Held) Keys() []domain.Key {
	return slices.Clone(h.keys)
}

// Release unlocks in reverse acquisition order.
func (h *Held) Release() {
	for i := len(h.keys) - 1; i >= 0; i-- {
		h.table.Release(h.keys[i])
	}
	h.keys = h.keys[:0]
}
