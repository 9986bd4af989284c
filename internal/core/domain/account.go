package domain

type Account struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
	Version uint64 `json:"version"`
}

func NewAccountValue(balance int64) Value {
	return Value{Kind: KindAccount, Amount: balance}
}

func AccountFromSnapshot(s Snapshot) Account {
	return Account{ID: s.Key.ID(), Balance: s.Value.Amount, Version: s.Version}
}
