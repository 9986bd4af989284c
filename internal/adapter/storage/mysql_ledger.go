package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

const ledgerPageSize = 256

// ledgerOperationIndex is the unique key on ledger_entries.operation_id.
const ledgerOperationIndex = "ledger_entries_operation_id"

// MySQLLedger stores entries in ledger_entries. It assumes it is the only
// writer: sequence numbers are assigned in-process under the append lock
// and the tail is cached. The cache is reloaded after any failed insert,
// since a failed acknowledgement does not mean the row was not written.
type MySQLLedger struct {
	db *sqlx.DB

	mu       sync.Mutex
	last     uint64
	lastHash string
	stale    bool
}

func OpenMySQLLedger(ctx context.Context, db *sql.DB) (*MySQLLedger, error) {
	l := &MySQLLedger{db: sqlx.NewDb(db, "mysql")}
	if err := l.loadTail(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// loadTail reads the highest committed entry into the cache. Callers hold mu
// (or own l exclusively).
func (l *MySQLLedger) loadTail(ctx context.Context) error {
	var body []byte
	err := l.db.GetContext(ctx, &body, `SELECT body FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		l.last, l.lastHash, l.stale = 0, "", false
		return nil
	}
	if err != nil {
		return fmt.Errorf("load ledger tail: %w", err)
	}

	var tail domain.LedgerEntry
	if err := json.Unmarshal(body, &tail); err != nil {
		return fmt.Errorf("decode ledger tail: %w", err)
	}
	l.last, l.lastHash, l.stale = tail.Sequence, tail.Hash, false
	return nil
}

func (l *MySQLLedger) Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stale {
		if err := l.loadTail(ctx); err != nil {
			return domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "reconcile ledger tail", err)
		}
	}

	seq := l.last + 1
	entry.Seal(seq, l.lastHash)

	body, err := json.Marshal(entry)
	if err != nil {
		return domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "encode ledger entry", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (seq, operation_id, kind, hash, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		seq, entry.OperationID, string(entry.Kind), entry.Hash, body, entry.Timestamp,
	)
	if err == nil {
		l.last = seq
		l.lastHash = entry.Hash
		return entry, nil
	}

	// The row may be durable even though the insert failed, or another
	// writer may own seq. Either way the cached tail can no longer be trusted.
	l.stale = true
	if tailErr := l.loadTail(ctx); tailErr != nil {
		err = errors.Join(err, tailErr)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry && strings.Contains(myErr.Message, ledgerOperationIndex) {
		return domain.LedgerEntry{}, domain.New(domain.CodeAlreadyExists, "operation "+entry.OperationID+" already recorded")
	}
	return domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "insert ledger entry", err)
}

func (l *MySQLLedger) ReadRange(ctx context.Context, from, to uint64) iter.Seq2[domain.LedgerEntry, error] {
	return func(yield func(domain.LedgerEntry, error) bool) {
		if from == 0 {
			from = 1
		}
		for from <= to {
			var bodies [][]byte
			err := l.db.SelectContext(ctx, &bodies, `
				SELECT body FROM ledger_entries
				WHERE seq >= ? AND seq <= ?
				ORDER BY seq LIMIT ?`,
				from, to, ledgerPageSize,
			)
			if err != nil {
				yield(domain.LedgerEntry{}, domain.Wrap(domain.CodeLedgerUnavailable, "query ledger range", err))
				return
			}
			if len(bodies) == 0 {
				return
			}
			for _, body := range bodies {
				var entry domain.LedgerEntry
				if err := json.Unmarshal(body, &entry); err != nil {
					yield(domain.LedgerEntry{}, fmt.Errorf("decode ledger entry: %w", err))
					return
				}
				if !yield(entry, nil) {
					return
				}
				from = entry.Sequence + 1
			}
			if len(bodies) < ledgerPageSize {
				return
			}
		}
	}
}

func (l *MySQLLedger) FindByOperation(ctx context.Context, operationID string) (domain.LedgerEntry, bool, error) {
	var body []byte
	err := l.db.GetContext(ctx, &body, `SELECT body FROM ledger_entries WHERE operation_id = ?`, operationID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, domain.Wrap(domain.CodeLedgerUnavailable, "query operation", err)
	}

	var entry domain.LedgerEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("decode ledger entry: %w", err)
	}
	return entry, true, nil
}

func (l *MySQLLedger) LastSequence(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stale {
		if err := l.loadTail(ctx); err != nil {
			return 0, domain.Wrap(domain.CodeLedgerUnavailable, "reconcile ledger tail", err)
		}
	}
	return l.last, nil
}
