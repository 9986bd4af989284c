package port

import (
	"context"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

// CommitObserver is notified after an operation has committed. Implementations
// must not block the committing caller.
type CommitObserver interface {
	OnCommit(entry domain.LedgerEntry)
}

// Publisher forwards committed ledger entries to an external stream.
type Publisher interface {
	Publish(ctx context.Context, entry domain.LedgerEntry) error
	Close() error
}
