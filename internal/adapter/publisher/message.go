package publisher

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

const contentType = "application/json"

func encode(entry domain.LedgerEntry) ([]byte, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode ledger entry %d: %w", entry.Sequence, err)
	}
	return body, nil
}

// routingKey is "ledger.<kind>", e.g. "ledger.transfer".
func routingKey(entry domain.LedgerEntry) string {
	return "ledger." + string(entry.Kind)
}

func sequenceHeader(entry domain.LedgerEntry) string {
	return strconv.FormatUint(entry.Sequence, 10)
}
