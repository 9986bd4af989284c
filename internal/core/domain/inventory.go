package domain

type InventoryItem struct {
	ID         string `json:"id"`
	StockCount int64  `json:"stock_count"`
	UnitPrice  int64  `json:"unit_price"`
	Version    uint64 `json:"version"` // optimistic locking
}

func NewItemValue(stock, unitPrice int64) Value {
	return Value{Kind: KindItem, Amount: stock, UnitPrice: unitPrice}
}

func ItemFromSnapshot(s Snapshot) InventoryItem {
	return InventoryItem{
		ID:         s.Key.ID(),
		StockCount: s.Value.Amount,
		UnitPrice:  s.Value.UnitPrice,
		Version:    s.Version,
	}
}
