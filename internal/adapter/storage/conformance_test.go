package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
	"github.com/rl1809/reservation-ledger/internal/port"
)

// testEntityStore runs the EntityStore contract against a backend. prefix
// keeps keys unique across runs on shared infrastructure.
func testEntityStore(t *testing.T, store port.EntityStore, prefix string) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		key := domain.AccountKey(prefix + "create")
		require.NoError(t, store.Create(ctx, key, domain.NewAccountValue(1000)))

		value, version, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), value.Amount)
		assert.Equal(t, domain.KindAccount, value.Kind)
		assert.Equal(t, uint64(1), version)

		err = store.Create(ctx, key, domain.NewAccountValue(5))
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, _, err := store.Get(ctx, domain.AccountKey(prefix+"missing"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		key := domain.ItemKey(prefix + "cas")
		require.NoError(t, store.Create(ctx, key, domain.NewItemValue(5, 100)))

		version, err := store.CompareAndSwap(ctx, key, 1, domain.NewItemValue(2, 100))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), version)

		// stale version
		_, err = store.CompareAndSwap(ctx, key, 1, domain.NewItemValue(0, 100))
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		value, version, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), value.Amount)
		assert.Equal(t, int64(100), value.UnitPrice)
		assert.Equal(t, uint64(2), version)

		_, err = store.CompareAndSwap(ctx, domain.ItemKey(prefix+"nope"), 1, domain.NewItemValue(1, 1))
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Restore", func(t *testing.T) {
		key := domain.AccountKey(prefix + "restore")
		require.NoError(t, store.Create(ctx, key, domain.NewAccountValue(300)))
		prior := domain.Snapshot{Key: key, Value: domain.NewAccountValue(300), Version: 1}

		applied, err := store.CompareAndSwap(ctx, key, 1, domain.NewAccountValue(100))
		require.NoError(t, err)

		assert.ErrorIs(t, store.Restore(ctx, key, applied+1, prior), domain.ErrVersionConflict)
		require.NoError(t, store.Restore(ctx, key, applied, prior))

		value, version, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(300), value.Amount)
		assert.Equal(t, uint64(1), version)
	})

	t.Run("ConcurrentSwapsSerialize", func(t *testing.T) {
		key := domain.AccountKey(prefix + "concurrent")
		require.NoError(t, store.Create(ctx, key, domain.NewAccountValue(0)))

		const writers = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.CompareAndSwap(ctx, key, 1, domain.NewAccountValue(1)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		_, version, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), version)
	})
}

func ledgerEntry(opID string, amount int64) domain.LedgerEntry {
	key := domain.AccountKey("A")
	return domain.LedgerEntry{
		OperationID:  opID,
		Kind:         domain.OperationDeposit,
		Amount:       amount,
		AffectedKeys: []domain.Key{key},
		Before:       []domain.Snapshot{{Key: key, Value: domain.NewAccountValue(0), Version: 1}},
		After:        []domain.Snapshot{{Key: key, Value: domain.NewAccountValue(amount), Version: 2}},
		Timestamp:    time.Now().UTC(),
	}
}

func collect(t *testing.T, ledger port.Ledger, from, to uint64) []domain.LedgerEntry {
	t.Helper()
	var out []domain.LedgerEntry
	for entry, err := range ledger.ReadRange(context.Background(), from, to) {
		require.NoError(t, err)
		out = append(out, entry)
	}
	return out
}

// testLedger runs the Ledger contract against an empty backend.
func testLedger(t *testing.T, ledger port.Ledger, prefix string) {
	ctx := context.Background()

	last, err := ledger.LastSequence(ctx)
	require.NoError(t, err)
	require.Zero(t, last)

	for i := 1; i <= 5; i++ {
		sealed, err := ledger.Append(ctx, ledgerEntry(fmt.Sprintf("%sop-%d", prefix, i), int64(i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), sealed.Sequence)
		assert.Equal(t, sealed.Hash, sealed.ComputeHash())
	}

	_, err = ledger.Append(ctx, ledgerEntry(prefix+"op-3", 99))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	last, err = ledger.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)

	entries := collect(t, ledger, 2, 4)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i+2), e.Sequence)
		assert.Equal(t, e.Hash, e.ComputeHash())
	}
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)

	// restartable
	assert.Equal(t, entries, collect(t, ledger, 2, 4))
	assert.Len(t, collect(t, ledger, 0, 100), 5)
	assert.Empty(t, collect(t, ledger, 6, 10))

	// early stop
	n := 0
	for range ledger.ReadRange(ctx, 1, 5) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	found, ok, err := ledger.FindByOperation(ctx, prefix+"op-4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), found.Sequence)
	assert.Equal(t, int64(4), found.Amount)
	assert.Equal(t, entries[2], found)

	_, ok, err = ledger.FindByOperation(ctx, prefix+"op-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testLedgerConcurrentAppends(t *testing.T, ledger port.Ledger, prefix string) {
	ctx := context.Background()
	const goroutines = 8
	const perGoroutine = 25

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if _, err := ledger.Append(ctx, ledgerEntry(fmt.Sprintf("%sg%d-%d", prefix, g, i), 1)); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	entries := collect(t, ledger, 1, goroutines*perGoroutine)
	require.Len(t, entries, goroutines*perGoroutine)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
		if i > 0 {
			assert.Equal(t, entries[i-1].Hash, e.PrevHash)
		}
	}
}
