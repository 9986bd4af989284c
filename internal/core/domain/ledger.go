package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type OperationKind string

const (
	OperationTransfer OperationKind = "transfer"
	OperationOrder    OperationKind = "order"
	OperationDeposit  OperationKind = "deposit"
	OperationRestock  OperationKind = "restock"
)

// LedgerEntry is the immutable record of one committed operation.
// Before and After are ordered like AffectedKeys (canonical key order).
type LedgerEntry struct {
	Sequence     uint64          `json:"sequence"`
	OperationID  string          `json:"operation_id"`
	Kind         OperationKind   `json:"kind"`
	Amount       int64           `json:"amount"`
	AffectedKeys []Key           `json:"affected_keys"`
	Before       []Snapshot      `json:"before"`
	After        []Snapshot      `json:"after"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	PrevHash     string          `json:"prev_hash"`
	Hash         string          `json:"hash"`
}

// ComputeHash hashes the entry content (everything except Hash itself)
// chained onto PrevHash.
func (e LedgerEntry) ComputeHash() string {
	e.Hash = ""
	body, err := json.Marshal(e)
	if err != nil {
		// Every field is plain data; Marshal only fails on invalid Payload.
		body = []byte(e.OperationID)
	}
	sum := sha256.Sum256(append([]byte(e.PrevHash), body...))
	return hex.EncodeToString(sum[:])
}

// Seal assigns the sequence number and links the entry into the hash chain.
func (e *LedgerEntry) Seal(seq uint64, prevHash string) {
	e.Sequence = seq
	e.PrevHash = prevHash
	e.Hash = e.ComputeHash()
}

// SnapshotFor returns the after-snapshot recorded for key.
func (e LedgerEntry) SnapshotFor(key Key) (Snapshot, bool) {
	for _, s := range e.After {
		if s.Key == key {
			return s, true
		}
	}
	return Snapshot{}, false
}

// StatsSnapshot is the read-only aggregate for one time bucket.
type StatsSnapshot struct {
	Bucket         string    `json:"bucket"`
	Start          time.Time `json:"start"`
	Orders         int64     `json:"orders"`
	Revenue        int64     `json:"revenue"`
	Transfers      int64     `json:"transfers"`
	TransferVolume int64     `json:"transfer_volume"`
	Deposits       int64     `json:"deposits"`
	DepositVolume  int64     `json:"deposit_volume"`
	LastSequence   uint64    `json:"last_sequence"`
	Degraded       bool      `json:"degraded"`
	Dropped        uint64    `json:"dropped"`
}
