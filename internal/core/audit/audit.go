// Package audit checks the integrity of a ledger: sequences must be gap-free
// and strictly increasing, and every entry must hash-chain onto its
// predecessor.
package audit

import (
	"context"
	"fmt"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
	"github.com/rl1809/reservation-ledger/internal/port"
)

type Report struct {
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Checked  uint64 `json:"checked"`
	Valid    bool   `json:"valid"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (r *Report) fail(seq uint64, format string, args ...any) Report {
	r.Valid = false
	r.BrokenAt = seq
	r.Reason = fmt.Sprintf(format, args...)
	return *r
}

// Verify walks entries from..to (clamped to the last committed sequence)
// and reports the first integrity violation. The returned error is only
// set when the ledger could not be read.
func Verify(ctx context.Context, ledger port.Ledger, from, to uint64) (Report, error) {
	if from == 0 {
		from = 1
	}
	last, err := ledger.LastSequence(ctx)
	if err != nil {
		return Report{}, err
	}
	if to > last {
		to = last
	}
	report := Report{From: from, To: to, Valid: true}
	if from > to {
		return report, nil
	}

	var prevHash string
	if from > 1 {
		found := false
		for prev, err := range ledger.ReadRange(ctx, from-1, from-1) {
			if err != nil {
				return Report{}, err
			}
			prevHash, found = prev.Hash, true
		}
		if !found {
			return report.fail(from-1, "entry %d is missing", from-1), nil
		}
	}

	expected := from
	for entry, err := range ledger.ReadRange(ctx, from, to) {
		if err != nil {
			return Report{}, err
		}
		switch {
		case entry.Sequence != expected:
			return report.fail(expected, "expected sequence %d, found %d", expected, entry.Sequence), nil
		case entry.PrevHash != prevHash:
			return report.fail(entry.Sequence, "previous hash does not match entry %d", entry.Sequence-1), nil
		case entry.Hash != entry.ComputeHash():
			return report.fail(entry.Sequence, "content hash mismatch"), nil
		case !balanced(entry):
			return report.fail(entry.Sequence, "snapshots do not match affected keys"), nil
		}
		prevHash = entry.Hash
		expected++
		report.Checked++
	}
	if expected <= to {
		return report.fail(expected, "entry %d is missing", expected), nil
	}
	return report, nil
}

// balanced reports whether before and after snapshots line up with the
// affected keys and every after version is the next version.
func balanced(entry domain.LedgerEntry) bool {
	if len(entry.Before) != len(entry.AffectedKeys) || len(entry.After) != len(entry.AffectedKeys) {
		return false
	}
	for i, key := range entry.AffectedKeys {
		if entry.Before[i].Key != key || entry.After[i].Key != key {
			return false
		}
		if entry.After[i].Version != entry.Before[i].Version+1 {
			return false
		}
	}
	return true
}
