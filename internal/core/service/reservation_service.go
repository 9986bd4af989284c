package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/reservation-ledger/internal/core/audit"
	"github.com/rl1809/reservation-ledger/internal/core/coordinator"
	"github.com/rl1809/reservation-ledger/internal/core/domain"
	"github.com/rl1809/reservation-ledger/internal/port"
)

// StatsReader is the read side of the stats aggregator.
type StatsReader interface {
	Snapshot(bucket string) (domain.StatsSnapshot, error)
}

type Option func(*ReservationService)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *ReservationService) { s.log = log }
}

func WithStats(stats StatsReader) Option {
	return func(s *ReservationService) { s.stats = stats }
}

func WithClock(now func() time.Time) Option {
	return func(s *ReservationService) { s.now = now }
}

// ReservationService builds transfers, orders, deposits and restocks as
// single coordinator operations.
type ReservationService struct {
	coord  *coordinator.Coordinator
	store  port.EntityStore
	ledger port.Ledger
	stats  StatsReader
	log    logrus.FieldLogger
	now    func() time.Time

	mu sync.RWMutex
	// failed holds the most recent orders that reached Failed, oldest first
	// in failedIDs. Committed orders live in the ledger.
	failed    map[string]domain.Order
	failedIDs []string
}

// maxFailedOrders bounds the in-memory table of failed orders.
const maxFailedOrders = 10_000

func NewReservationService(coord *coordinator.Coordinator, opts ...Option) *ReservationService {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &ReservationService{
		coord:    coord,
		store:    coord.Store(),
		ledger:   coord.Ledger(),
		log:      discard,
		now:      time.Now,
		failed:   make(map[string]domain.Order),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func debit(amount int64) coordinator.MutationFunc {
	return func(v domain.Value) (domain.Value, error) {
		v.Amount -= amount
		return v, nil
	}
}

func credit(key domain.Key, amount int64) coordinator.MutationFunc {
	return func(v domain.Value) (domain.Value, error) {
		if v.Amount > math.MaxInt64-amount {
			return v, domain.KeyError(domain.CodeInvalidOperation, "amount overflows", key)
		}
		v.Amount += amount
		return v, nil
	}
}

func operationID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// Transfer moves amount minor units from one account to another.
func (s *ReservationService) Transfer(ctx context.Context, fromAccountID, toAccountID string, amount int64, opID string) (domain.LedgerEntry, error) {
	if fromAccountID == "" || toAccountID == "" {
		return domain.LedgerEntry{}, domain.Invalid("transfer needs both accounts")
	}
	if fromAccountID == toAccountID {
		return domain.LedgerEntry{}, domain.Invalid("cannot transfer to the same account")
	}
	if amount <= 0 {
		return domain.LedgerEntry{}, domain.Invalid("transfer amount must be positive")
	}

	from, to := domain.AccountKey(fromAccountID), domain.AccountKey(toAccountID)
	res, err := s.coord.Execute(ctx, coordinator.Operation{
		ID:     operationID(opID),
		Kind:   domain.OperationTransfer,
		Amount: amount,
		Mutations: []coordinator.Mutation{
			{Key: from, Apply: debit(amount)},
			{Key: to, Apply: credit(to, amount)},
		},
	})
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("transfer %s -> %s: %w", fromAccountID, toAccountID, err)
	}
	return res.Entry, nil
}

// Deposit credits an account from outside the system.
func (s *ReservationService) Deposit(ctx context.Context, accountID string, amount int64, opID string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, domain.Invalid("deposit amount must be positive")
	}
	return s.single(ctx, domain.OperationDeposit, domain.AccountKey(accountID), amount, opID)
}

// Restock adds quantity units to an item's stock.
func (s *ReservationService) Restock(ctx context.Context, itemID string, quantity int64, opID string) (domain.LedgerEntry, error) {
	if quantity <= 0 {
		return domain.LedgerEntry{}, domain.Invalid("restock quantity must be positive")
	}
	return s.single(ctx, domain.OperationRestock, domain.ItemKey(itemID), quantity, opID)
}

func (s *ReservationService) single(ctx context.Context, kind domain.OperationKind, key domain.Key, amount int64, opID string) (domain.LedgerEntry, error) {
	if !key.Valid() {
		return domain.LedgerEntry{}, domain.KeyError(domain.CodeInvalidOperation, "malformed id", key)
	}
	res, err := s.coord.Execute(ctx, coordinator.Operation{
		ID:        operationID(opID),
		Kind:      kind,
		Amount:    amount,
		Mutations: []coordinator.Mutation{{Key: key, Apply: credit(key, amount)}},
	})
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("%s %s: %w", kind, key.ID(), err)
	}
	return res.Entry, nil
}

// CreateOrder reserves stock for every line item and debits the order total
// from the account in one operation. Unit prices are taken from the items.
// A failed order is returned alongside the error.
func (s *ReservationService) CreateOrder(ctx context.Context, accountID string, lineItems []domain.LineItem, opID string) (domain.Order, error) {
	if accountID == "" {
		return domain.Order{}, domain.Invalid("order needs an account")
	}
	if len(lineItems) == 0 {
		return domain.Order{}, domain.Invalid("order has no line items")
	}
	opID = operationID(opID)

	// One mutation per distinct item; line items keep the caller's order.
	quantities := make(map[string]int64, len(lineItems))
	var itemOrder []string
	items := make([]domain.LineItem, len(lineItems))
	for i, li := range lineItems {
		if li.Quantity <= 0 {
			return domain.Order{}, domain.Invalid("line item quantity must be positive")
		}
		if !domain.ItemKey(li.ItemID).Valid() {
			return domain.Order{}, domain.Invalid("line item needs an item id")
		}
		if _, seen := quantities[li.ItemID]; !seen {
			itemOrder = append(itemOrder, li.ItemID)
		}
		if quantities[li.ItemID] > math.MaxInt64-li.Quantity {
			return domain.Order{}, domain.Invalid("line item quantity overflows")
		}
		quantities[li.ItemID] += li.Quantity
		items[i] = domain.LineItem{ItemID: li.ItemID, Quantity: li.Quantity}
	}

	prices := make(map[string]int64, len(itemOrder))
	for _, id := range itemOrder {
		v, _, err := s.store.Get(ctx, domain.ItemKey(id))
		if err != nil {
			return domain.Order{}, fmt.Errorf("price item %s: %w", id, err)
		}
		prices[id] = v.UnitPrice
	}
	for i := range items {
		items[i].UnitPrice = prices[items[i].ItemID]
	}

	total, err := domain.Total(items)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now().UTC()
	// An order is identified by the operation that places it, so lookups go
	// through the ledger's operation index.
	order := domain.Order{
		ID:          opID,
		OperationID: opID,
		AccountID:   accountID,
		LineItems:   items,
		TotalAmount: total,
		Status:      domain.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("encode order: %w", err)
	}

	mutations := make([]coordinator.Mutation, 0, len(itemOrder)+1)
	for _, id := range itemOrder {
		key := domain.ItemKey(id)
		qty, price := quantities[id], prices[id]
		mutations = append(mutations, coordinator.Mutation{
			Key: key,
			Apply: func(v domain.Value) (domain.Value, error) {
				if v.UnitPrice != price {
					return v, domain.KeyError(domain.CodeVersionConflict, "unit price changed", key)
				}
				v.Amount -= qty
				return v, nil
			},
		})
	}
	mutations = append(mutations, coordinator.Mutation{Key: domain.AccountKey(accountID), Apply: debit(total)})

	res, err := s.coord.Execute(ctx, coordinator.Operation{
		ID:        opID,
		Kind:      domain.OperationOrder,
		Amount:    total,
		Payload:   payload,
		Mutations: mutations,
	})
	if err != nil {
		if failErr := order.Fail(domain.CodeOf(err), s.now().UTC()); failErr == nil {
			s.recordFailed(order)
		}
		s.log.WithFields(logrus.Fields{
			"order_id":     order.ID,
			"operation_id": opID,
			"code":         order.FailureCode,
		}).Info("order failed")
		return order, fmt.Errorf("create order for %s: %w", accountID, err)
	}

	return orderFromEntry(res.Entry)
}

func (s *ReservationService) recordFailed(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.failed[order.ID]; !seen {
		s.failedIDs = append(s.failedIDs, order.ID)
	}
	s.failed[order.ID] = order
	for len(s.failedIDs) > maxFailedOrders {
		delete(s.failed, s.failedIDs[0])
		s.failedIDs = s.failedIDs[1:]
	}
}

// orderFromEntry rebuilds the committed order recorded in an order entry.
// Replays of the same operation produce an identical order.
func orderFromEntry(entry domain.LedgerEntry) (domain.Order, error) {
	if entry.Kind != domain.OperationOrder {
		return domain.Order{}, domain.Invalid("ledger entry " + entry.OperationID + " is not an order")
	}
	var order domain.Order
	if err := json.Unmarshal(entry.Payload, &order); err != nil {
		return domain.Order{}, fmt.Errorf("decode order payload: %w", err)
	}
	if err := order.Commit(entry.Sequence, entry.Timestamp); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (s *ReservationService) CreateAccount(ctx context.Context, id string, balance int64) (domain.Account, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if balance < 0 {
		return domain.Account{}, domain.Invalid("initial balance must not be negative")
	}
	key := domain.AccountKey(id)
	value := domain.NewAccountValue(balance)
	if err := s.store.Create(ctx, key, value); err != nil {
		return domain.Account{}, fmt.Errorf("create account %s: %w", id, err)
	}
	return domain.Account{ID: id, Balance: balance, Version: 1}, nil
}

func (s *ReservationService) CreateItem(ctx context.Context, id string, stock, unitPrice int64) (domain.InventoryItem, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if stock < 0 || unitPrice < 0 {
		return domain.InventoryItem{}, domain.Invalid("initial stock and unit price must not be negative")
	}
	key := domain.ItemKey(id)
	value := domain.NewItemValue(stock, unitPrice)
	if err := s.store.Create(ctx, key, value); err != nil {
		return domain.InventoryItem{}, fmt.Errorf("create item %s: %w", id, err)
	}
	return domain.InventoryItem{ID: id, StockCount: stock, UnitPrice: unitPrice, Version: 1}, nil
}

func (s *ReservationService) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	snap, err := s.get(ctx, domain.AccountKey(id))
	if err != nil {
		return domain.Account{}, err
	}
	return domain.AccountFromSnapshot(snap), nil
}

func (s *ReservationService) GetItem(ctx context.Context, id string) (domain.InventoryItem, error) {
	snap, err := s.get(ctx, domain.ItemKey(id))
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return domain.ItemFromSnapshot(snap), nil
}

func (s *ReservationService) get(ctx context.Context, key domain.Key) (domain.Snapshot, error) {
	if !key.Valid() {
		return domain.Snapshot{}, domain.KeyError(domain.CodeInvalidOperation, "malformed id", key)
	}
	v, version, err := s.store.Get(ctx, key)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{Key: key, Value: v, Version: version}, nil
}

// GetOrder looks an order up by id. A committed order is read from the
// ledger, so a later successful retry supersedes an earlier failure.
func (s *ReservationService) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if id == "" {
		return domain.Order{}, domain.Invalid("order id is required")
	}
	entry, ok, err := s.ledger.FindByOperation(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if ok && entry.Kind == domain.OperationOrder {
		return orderFromEntry(entry)
	}

	s.mu.RLock()
	failed, isFailed := s.failed[id]
	s.mu.RUnlock()
	if isFailed {
		return failed, nil
	}
	return domain.Order{}, domain.New(domain.CodeNotFound, "order "+id+" not found")
}

// LedgerRange yields committed entries with from <= sequence <= to.
func (s *ReservationService) LedgerRange(ctx context.Context, from, to uint64) iter.Seq2[domain.LedgerEntry, error] {
	return s.ledger.ReadRange(ctx, from, to)
}

func (s *ReservationService) LastSequence(ctx context.Context) (uint64, error) {
	return s.ledger.LastSequence(ctx)
}

// VerifyLedger checks the whole ledger for gaps and hash-chain breaks.
func (s *ReservationService) VerifyLedger(ctx context.Context) (audit.Report, error) {
	last, err := s.ledger.LastSequence(ctx)
	if err != nil {
		return audit.Report{}, err
	}
	return audit.Verify(ctx, s.ledger, 1, last)
}

// GetStats returns the aggregate for bucket ("" for the current bucket).
func (s *ReservationService) GetStats(bucket string) (domain.StatsSnapshot, error) {
	if s.stats == nil {
		return domain.StatsSnapshot{}, domain.New(domain.CodeNotFound, "stats are not enabled")
	}
	return s.stats.Snapshot(bucket)
}
