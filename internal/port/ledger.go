package port

import (
	"context"
	"iter"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

type Ledger interface {
	// Append seals the entry with the next gap-free sequence number, writes it
	// durably and returns the sealed entry; LedgerUnavailable on durability failure
	Append(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error)

	// ReadRange yields entries with from <= seq <= to in sequence order.
	// The sequence is lazy and may be iterated more than once
	ReadRange(ctx context.Context, from, to uint64) iter.Seq2[domain.LedgerEntry, error]

	// FindByOperation returns the committed entry for an operation id, if any
	FindByOperation(ctx context.Context, operationID string) (domain.LedgerEntry, bool, error)

	// LastSequence returns the highest committed sequence number (0 when empty)
	LastSequence(ctx context.Context) (uint64, error)
}
