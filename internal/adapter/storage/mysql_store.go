package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

type entityRow struct {
	Key       string `db:"entity_key"`
	Kind      string `db:"kind"`
	Amount    int64  `db:"amount"`
	UnitPrice int64  `db:"unit_price"`
	Version   uint64 `db:"version"`
}

// MySQLStore is an EntityStore over the entities table. Every write is a
// single statement guarded by `version = ?` (optimistic locking).
type MySQLStore struct {
	db *sqlx.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: sqlx.NewDb(db, "mysql")}
}

func (m *MySQLStore) Get(ctx context.Context, key domain.Key) (domain.Value, uint64, error) {
	var row entityRow
	err := m.db.GetContext(ctx, &row, `
		SELECT entity_key, kind, amount, unit_price, version
		FROM entities WHERE entity_key = ?`, string(key),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Value{}, 0, domain.KeyError(domain.CodeNotFound, "entity not found", key)
	}
	if err != nil {
		return domain.Value{}, 0, storeUnavailable("query entity", key, err)
	}
	return domain.Value{Kind: domain.Kind(row.Kind), Amount: row.Amount, UnitPrice: row.UnitPrice}, row.Version, nil
}

func (m *MySQLStore) Create(ctx context.Context, key domain.Key, value domain.Value) error {
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO entities (entity_key, kind, amount, unit_price, version)
		VALUES (:entity_key, :kind, :amount, :unit_price, :version)`,
		entityRow{Key: string(key), Kind: string(value.Kind), Amount: value.Amount, UnitPrice: value.UnitPrice, Version: 1},
	)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return domain.KeyError(domain.CodeAlreadyExists, "entity already exists", key)
	}
	if err != nil {
		return storeUnavailable("insert entity", key, err)
	}
	return nil
}

func (m *MySQLStore) CompareAndSwap(ctx context.Context, key domain.Key, expectedVersion uint64, value domain.Value) (uint64, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE entities
		SET amount = ?, unit_price = ?, version = version + 1
		WHERE entity_key = ? AND version = ?`,
		value.Amount, value.UnitPrice, string(key), expectedVersion,
	)
	if err != nil {
		return 0, storeUnavailable("update entity", key, err)
	}
	if err := m.checkApplied(ctx, result, key); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

func (m *MySQLStore) Restore(ctx context.Context, key domain.Key, appliedVersion uint64, prior domain.Snapshot) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE entities
		SET amount = ?, unit_price = ?, version = ?
		WHERE entity_key = ? AND version = ?`,
		prior.Value.Amount, prior.Value.UnitPrice, prior.Version, string(key), appliedVersion,
	)
	if err != nil {
		return storeUnavailable("restore entity", key, err)
	}
	return m.checkApplied(ctx, result, key)
}

// checkApplied tells a missing row apart from a stale version when an
// optimistic update matched nothing.
func (m *MySQLStore) checkApplied(ctx context.Context, result sql.Result, key domain.Key) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return storeUnavailable("rows affected", key, err)
	}
	if rows == 1 {
		return nil
	}
	if _, _, err := m.Get(ctx, key); err != nil {
		return err
	}
	return domain.KeyError(domain.CodeVersionConflict, "optimistic lock conflict", key)
}

func storeUnavailable(op string, key domain.Key, err error) error {
	return &domain.Error{Code: domain.CodeStoreUnavailable, Message: op, Key: key, Cause: err}
}
