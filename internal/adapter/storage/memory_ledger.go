package storage

import (
	"context"
	"iter"
	"sync"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

// MemoryLedger is an in-process append-only ledger. Entries are kept in a
// slice indexed by sequence-1, so sequences are gap-free by construction.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []domain.LedgerEntry
	byOp    map[string]uint64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{byOp: make(map[string]uint64)}
}

func (l *MemoryLedger) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byOp[entry.OperationID]; ok {
		return domain.LedgerEntry{}, domain.New(domain.CodeAlreadyExists, "operation "+entry.OperationID+" already recorded")
	}

	var prevHash string
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].Hash
	}
	seq := uint64(len(l.entries)) + 1
	entry.Seal(seq, prevHash)

	l.entries = append(l.entries, entry)
	l.byOp[entry.OperationID] = seq
	return entry, nil
}

func (l *MemoryLedger) ReadRange(ctx context.Context, from, to uint64) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		if from == 0 {
			from = 1
		}
		for seq := from; seq <= to; seq++ {
			if err := ctx.Err(); err != nil {
				yield(domain.LedgerEntry{}, err)
				return
			}
			l.mu.RLock()
			if seq > uint64(len(l.entries)) {
				l.mu.RUnlock()
				return
			}
			entry := l.entries[seq-1]
			l.mu.RUnlock()

			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (l *MemoryLedger) FindByOperation(ctx context.Context, operationID string) (domain.LedgerEntry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq, ok := l.byOp[operationID]
	if !ok {
		return domain.LedgerEntry{}, false, nil
	}
	return l.entries[seq-1], true, nil
}

func (l *MemoryLedger) LastSequence(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries)), nil
}
