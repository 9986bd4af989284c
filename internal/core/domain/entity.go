package domain

import (
	"strings"
)

type Kind string

const (
	KindAccount Kind = "account"
	KindItem    Kind = "item"
)

// Key addresses one entity in the store. Keys are partitioned by entity
// kind prefix: "account:<id>" and "item:<id>". Plain string comparison on
// keys is the canonical lock order.
type Key string

func AccountKey(id string) Key { return Key(string(KindAccount) + ":" + id) }
func ItemKey(id string) Key    { return Key(string(KindItem) + ":" + id) }

// Kind returns the entity kind encoded in the key prefix.
func (k Key) Kind() Kind {
	prefix, _, ok := strings.Cut(string(k), ":")
	if !ok {
		return ""
	}
	return Kind(prefix)
}

// ID returns the key without its kind prefix.
func (k Key) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

func (k Key) Valid() bool {
	switch k.Kind() {
	case KindAccount, KindItem:
		return k.ID() != ""
	default:
		return false
	}
}

// Value is the stored state of an entity. Amount is the balance in minor
// currency units for accounts and the stock count for items.
type Value struct {
	Kind      Kind  `json:"kind"`
	Amount    int64 `json:"amount"`
	UnitPrice int64 `json:"unit_price,omitempty"`
}

// Validate enforces the non-negativity invariants shared by every kind.
func (v Value) Validate(key Key) error {
	if v.Kind != key.Kind() {
		return KeyError(CodeInvalidOperation, "value kind does not match key", key)
	}
	if v.Amount < 0 {
		if v.Kind == KindItem {
			return KeyError(CodeInsufficientStock, "stock would become negative", key)
		}
		return KeyError(CodeInsufficientBalance, "balance would become negative", key)
	}
	if v.UnitPrice < 0 {
		return KeyError(CodeInvalidOperation, "unit price must not be negative", key)
	}
	return nil
}

// Snapshot is a value together with the version it was observed at.
type Snapshot struct {
	Key     Key    `json:"key"`
	Value   Value  `json:"value"`
	Version uint64 `json:"version"`
}
