package port

import (
	"context"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

type EntityStore interface {
	// Get returns the current value and version, or NotFound
	Get(ctx context.Context, key domain.Key) (domain.Value, uint64, error)

	// Create inserts a new entity at version 1, or fails with AlreadyExists
	Create(ctx context.Context, key domain.Key, value domain.Value) error

	// CompareAndSwap replaces the value iff the stored version equals expectedVersion
	// and returns the incremented version; VersionConflict otherwise
	CompareAndSwap(ctx context.Context, key domain.Key, expectedVersion uint64, value domain.Value) (uint64, error)

	// Restore reinstates a prior value and version iff the stored version equals
	// appliedVersion (compensating write for an aborted operation)
	Restore(ctx context.Context, key domain.Key, appliedVersion uint64, prior domain.Snapshot) error
}
