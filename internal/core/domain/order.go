package domain

import (
	"math"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCommitted OrderStatus = "committed"
	OrderStatusFailed    OrderStatus = "failed"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCommitted || s == OrderStatusFailed
}

type LineItem struct {
	ItemID    string `json:"item_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type Order struct {
	ID          string      `json:"id"`
	OperationID string      `json:"operation_id"`
	AccountID   string      `json:"account_id"`
	LineItems   []LineItem  `json:"line_items"`
	TotalAmount int64       `json:"total_amount"`
	Status      OrderStatus `json:"status"`
	FailureCode Code        `json:"failure_code,omitempty"`
	Sequence    uint64      `json:"sequence,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Commit moves a pending order to Committed. Terminal orders are immutable.
func (o *Order) Commit(seq uint64, at time.Time) error {
	if o.Status != OrderStatusPending {
		return Invalid("order " + o.ID + " is already " + string(o.Status))
	}
	o.Status = OrderStatusCommitted
	o.Sequence = seq
	o.UpdatedAt = at
	return nil
}

// Fail moves a pending order to Failed, recording the failure code.
func (o *Order) Fail(code Code, at time.Time) error {
	if o.Status != OrderStatusPending {
		return Invalid("order " + o.ID + " is already " + string(o.Status))
	}
	o.Status = OrderStatusFailed
	o.FailureCode = code
	o.UpdatedAt = at
	return nil
}

// Total sums quantity*unitPrice over the line items, failing on overflow.
func Total(items []LineItem) (int64, error) {
	var total int64
	for _, li := range items {
		if li.Quantity <= 0 {
			return 0, Invalid("line item quantity must be positive")
		}
		if li.UnitPrice < 0 {
			return 0, Invalid("line item unit price must not be negative")
		}
		if li.UnitPrice != 0 && li.Quantity > math.MaxInt64/li.UnitPrice {
			return 0, Invalid("line item amount overflows")
		}
		amount := li.Quantity * li.UnitPrice
		if total > math.MaxInt64-amount {
			return 0, Invalid("order total overflows")
		}
		total += amount
	}
	return total, nil
}
