package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

// Key layout:
//
//	seq/<%020d>  -> JSON ledger entry
//	op/<opID>    -> big-endian uint64 sequence
const (
	seqPrefix = "seq/"
	opPrefix  = "op/"
)

// PebbleLedger is a durable ledger on an embedded pebble database. Every
// append is one batch (entry + operation index) committed with pebble.Sync.
type PebbleLedger struct {
	db *pebble.DB
	// commit applies an append batch; replaced in tests to inject failures.
	commit func(*pebble.Batch) error

	mu       sync.Mutex
	last     uint64
	lastHash string
	stale    bool
}

func OpenPebbleLedger(dir string) (*PebbleLedger, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble ledger: %w", err)
	}

	l := &PebbleLedger{
		db:     db,
		commit: func(b *pebble.Batch) error { return b.Commit(pebble.Sync) },
	}
	if err := l.loadTail(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *PebbleLedger) Close() error {
	return l.db.Close()
}

func (l *PebbleLedger) loadTail() error {
	it, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(seqPrefix),
		UpperBound: seqUpperBound(math.MaxUint64),
	})
	if err != nil {
		return fmt.Errorf("scan pebble ledger: %w", err)
	}
	defer it.Close()

	if !it.Last() {
		if err := it.Error(); err != nil {
			return err
		}
		l.last, l.lastHash, l.stale = 0, "", false
		return nil
	}
	var entry domain.LedgerEntry
	if err := json.Unmarshal(it.Value(), &entry); err != nil {
		return fmt.Errorf("decode ledger tail: %w", err)
	}
	l.last, l.lastHash, l.stale = entry.Sequence, entry.Hash, false
	return nil
}

func (l *PebbleLedger) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stale {
		if err := l.loadTail(); err != nil {
			return domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "reconcile ledger tail", err)
		}
	}

	opKey := []byte(opPrefix + entry.OperationID)
	if _, closer, err := l.db.Get(opKey); err == nil {
		_ = closer.Close()
		return domain.LedgerEntry{}, domain.New(domain.CodeAlreadyExists, "operation "+entry.OperationID+" already recorded")
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "check operation index", err)
	}

	seq := l.last + 1
	entry.Seal(seq, l.lastHash)

	body, err := json.Marshal(entry)
	if err != nil {
		return domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "encode ledger entry", err)
	}

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(seqKey(seq), body, nil); err != nil {
		return domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "stage ledger entry", err)
	}
	if err := b.Set(opKey, seqBytes[:], nil); err != nil {
		return domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "stage operation index", err)
	}
	if err := l.commit(b); err != nil {
		// The batch may have reached the WAL before the error surfaced.
		l.stale = true
		if tailErr := l.loadTail(); tailErr != nil {
			err = errors.Join(err, tailErr)
		}
		return domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "commit ledger batch", err)
	}

	l.last = seq
	l.lastHash = entry.Hash
	return entry, nil
}

func (l *PebbleLedger) ReadRange(ctx context.Context, from, to uint64) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		if from == 0 {
			from = 1
		}
		if from > to {
			return
		}
		it, err := l.db.NewIter(&pebble.IterOptions{
			LowerBound: seqKey(from),
			UpperBound: seqUpperBound(to),
		})
		if err != nil {
			yield(domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "open ledger iterator", err))
			return
		}
		defer it.Close()

		for valid := it.First(); valid; valid = it.Next() {
			if err := ctx.Err(); err != nil {
				yield(domain.LedgerEntry{}, err)
				return
			}
			var entry domain.LedgerEntry
			if err := json.Unmarshal(it.Value(), &entry); err != nil {
				yield(domain.LedgerEntry{}, fmt.Errorf("decode ledger entry %s: %w", it.Key(), err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "iterate ledger", err))
		}
	}
}

func (l *PebbleLedger) FindByOperation(ctx context.Context, operationID string) (domain.LedgerEntry, bool, error) {
	val, closer, err := l.db.Get([]byte(opPrefix + operationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, domain.Wrap(domain.CodeLedgerUnavailable, "read operation index", err)
	}
	seq := binary.BigEndian.Uint64(val)
	_ = closer.Close()

	body, closer, err := l.db.Get(seqKey(seq))
	if err != nil {
		return domain.LedgerEntry{}, false, domain.Wrap(domain.CodeLedgerUnavailable, "read ledger entry", err)
	}
	defer closer.Close()

	var entry domain.LedgerEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("decode ledger entry %d: %w", seq, err)
	}
	return entry, true, nil
}

func (l *PebbleLedger) LastSequence(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stale {
		if err := l.loadTail(); err != nil {
			return 0, domain.Wrap(domain.CodeLedgerUnavailable, "reconcile ledger tail", err)
		}
	}
	return l.last, nil
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", seqPrefix, seq))
}

// seqUpperBound is the exclusive iterator bound that still includes seq.
func seqUpperBound(seq uint64) []byte {
	if seq == math.MaxUint64 {
		return []byte("seq0") // '0' sorts right after '/'
	}
	return seqKey(seq + 1)
}
