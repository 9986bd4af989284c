package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/reservation-ledger/internal/adapter/storage"
	"github.com/rl1809/reservation-ledger/internal/core/coordinator"
	"github.com/rl1809/reservation-ledger/internal/core/domain"
	"github.com/rl1809/reservation-ledger/internal/core/stats"
)

func newTestService(t *testing.T, opts ...Option) (*ReservationService, *storage.MemoryLedger) {
	t.Helper()
	ledger := storage.NewMemoryLedger()
	coord := coordinator.New(storage.NewMemoryStore(), ledger, coordinator.WithLockTimeout(5*time.Second))
	return NewReservationService(coord, opts...), ledger
}

func mustAccount(t *testing.T, svc *ReservationService, id string, balance int64) {
	t.Helper()
	_, err := svc.CreateAccount(context.Background(), id, balance)
	require.NoError(t, err)
}

func mustItem(t *testing.T, svc *ReservationService, id string, stock, price int64) {
	t.Helper()
	_, err := svc.CreateItem(context.Background(), id, stock, price)
	require.NoError(t, err)
}

func balance(t *testing.T, svc *ReservationService, id string) domain.Account {
	t.Helper()
	acc, err := svc.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func stock(t *testing.T, svc *ReservationService, id string) domain.InventoryItem {
	t.Helper()
	item, err := svc.GetItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestTransfer_Success(t *testing.T) {
	svc, ledger := newTestService(t)
	mustAccount(t, svc, "A", 1000)
	mustAccount(t, svc, "B", 0)

	entry, err := svc.Transfer(context.Background(), "A", "B", 500, "op1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, "op1", entry.OperationID)
	assert.Equal(t, domain.OperationTransfer, entry.Kind)

	assert.Equal(t, int64(500), balance(t, svc, "A").Balance)
	assert.Equal(t, int64(500), balance(t, svc, "B").Balance)

	last, err := ledger.LastSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 500)
	mustAccount(t, svc, "B", 0)

	before := balance(t, svc, "A")
	_, err := svc.Transfer(context.Background(), "A", "B", 2000, "op2")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.False(t, domain.CodeOf(err).Retryable())
	assert.Equal(t, before, balance(t, svc, "A"))
	assert.Equal(t, uint64(1), balance(t, svc, "B").Version)
}

func TestTransfer_InvalidInput(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 500)
	mustAccount(t, svc, "B", 0)
	ctx := context.Background()

	for name, call := range map[string]func() error{
		"zero amount":     func() error { _, err := svc.Transfer(ctx, "A", "B", 0, "x"); return err },
		"negative amount": func() error { _, err := svc.Transfer(ctx, "A", "B", -5, "x"); return err },
		"same account":    func() error { _, err := svc.Transfer(ctx, "A", "A", 5, "x"); return err },
		"missing account": func() error { _, err := svc.Transfer(ctx, "", "B", 5, "x"); return err },
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), domain.ErrInvalidOperation)
		})
	}

	_, err := svc.Transfer(ctx, "A", "ghost", 5, "y")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(500), balance(t, svc, "A").Balance)
}

func TestTransfer_GeneratesOperationID(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 500)
	mustAccount(t, svc, "B", 0)

	first, err := svc.Transfer(context.Background(), "A", "B", 10, "")
	require.NoError(t, err)
	second, err := svc.Transfer(context.Background(), "A", "B", 10, "")
	require.NoError(t, err)

	assert.NotEmpty(t, first.OperationID)
	assert.NotEqual(t, first.OperationID, second.OperationID)
	assert.Equal(t, int64(480), balance(t, svc, "A").Balance)
}

func TestCreateOrder_Success(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 500)
	mustItem(t, svc, "item1", 5, 100)

	order, err := svc.CreateOrder(context.Background(), "A", []domain.LineItem{{ItemID: "item1", Quantity: 3}}, "op3")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCommitted, order.Status)
	assert.Equal(t, int64(300), order.TotalAmount)
	assert.Equal(t, int64(100), order.LineItems[0].UnitPrice)
	assert.Equal(t, uint64(1), order.Sequence)
	assert.Equal(t, "op3", order.OperationID)

	assert.Equal(t, int64(2), stock(t, svc, "item1").StockCount)
	assert.Equal(t, int64(200), balance(t, svc, "A").Balance)

	fetched, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order, fetched)
}

func TestCreateOrder_Idempotent(t *testing.T) {
	svc, ledger := newTestService(t)
	mustAccount(t, svc, "A", 500)
	mustItem(t, svc, "item1", 5, 100)
	items := []domain.LineItem{{ItemID: "item1", Quantity: 3}}

	first, err := svc.CreateOrder(context.Background(), "A", items, "op3")
	require.NoError(t, err)

	second, err := svc.CreateOrder(context.Background(), "A", items, "op3")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int64(2), stock(t, svc, "item1").StockCount)
	assert.Equal(t, int64(200), balance(t, svc, "A").Balance)

	last, err := ledger.LastSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 10_000)
	mustItem(t, svc, "item1", 5, 100)
	mustItem(t, svc, "item2", 1, 50)

	order, err := svc.CreateOrder(context.Background(), "A", []domain.LineItem{
		{ItemID: "item1", Quantity: 2},
		{ItemID: "item2", Quantity: 2},
	}, "op4")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, domain.OrderStatusFailed, order.Status)
	assert.Equal(t, domain.CodeInsufficientStock, order.FailureCode)

	// no partial stock decrement or balance debit
	assert.Equal(t, int64(5), stock(t, svc, "item1").StockCount)
	assert.Equal(t, uint64(1), stock(t, svc, "item1").Version)
	assert.Equal(t, int64(10_000), balance(t, svc, "A").Balance)

	fetched, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, fetched.Status)
}

func TestCreateOrder_InsufficientBalance(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 250)
	mustItem(t, svc, "item1", 5, 100)

	order, err := svc.CreateOrder(context.Background(), "A", []domain.LineItem{{ItemID: "item1", Quantity: 3}}, "op5")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.OrderStatusFailed, order.Status)
	assert.Equal(t, int64(5), stock(t, svc, "item1").StockCount)
	assert.Equal(t, int64(250), balance(t, svc, "A").Balance)
}

func TestCreateOrder_MergesLineItemsPerItem(t *testing.T) {
	svc, ledger := newTestService(t)
	mustAccount(t, svc, "A", 1000)
	mustItem(t, svc, "item1", 5, 100)

	order, err := svc.CreateOrder(context.Background(), "A", []domain.LineItem{
		{ItemID: "item1", Quantity: 2},
		{ItemID: "item1", Quantity: 1},
	}, "merge")
	require.NoError(t, err)
	assert.Len(t, order.LineItems, 2)
	assert.Equal(t, int64(300), order.TotalAmount)
	assert.Equal(t, int64(2), stock(t, svc, "item1").StockCount)

	entry, ok, err := ledger.FindByOperation(context.Background(), "merge")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []domain.Key{"account:A", "item:item1"}, entry.AffectedKeys)
}

func TestCreateOrder_InvalidInput(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 1000)
	mustItem(t, svc, "item1", 5, 100)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, "A", nil, "x")
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	_, err = svc.CreateOrder(ctx, "A", []domain.LineItem{{ItemID: "item1", Quantity: 0}}, "x")
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	_, err = svc.CreateOrder(ctx, "", []domain.LineItem{{ItemID: "item1", Quantity: 1}}, "x")
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	_, err = svc.CreateOrder(ctx, "A", []domain.LineItem{{ItemID: "nope", Quantity: 1}}, "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, int64(5), stock(t, svc, "item1").StockCount)
}

func TestGetOrder_ReadsLedgerAfterRestart(t *testing.T) {
	ledger := storage.NewMemoryLedger()
	store := storage.NewMemoryStore()
	coord := coordinator.New(store, ledger)
	svc := NewReservationService(coord)
	mustAccount(t, svc, "A", 1000)
	mustItem(t, svc, "item1", 5, 100)

	order, err := svc.CreateOrder(context.Background(), "A", []domain.LineItem{{ItemID: "item1", Quantity: 1}}, "op")
	require.NoError(t, err)
	assert.Equal(t, "op", order.ID)

	// a fresh service over the same ledger holds nothing in memory
	restarted := NewReservationService(coordinator.New(store, ledger))
	fetched, err := restarted.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order, fetched)

	_, err = restarted.GetOrder(context.Background(), "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetOrder_IgnoresNonOrderEntries(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 1000)
	mustAccount(t, svc, "B", 0)

	_, err := svc.Transfer(context.Background(), "A", "B", 10, "t1")
	require.NoError(t, err)

	_, err = svc.GetOrder(context.Background(), "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetOrder_RetryAfterFailureReturnsCommitted(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 100)
	mustItem(t, svc, "item1", 5, 100)
	ctx := context.Background()
	items := []domain.LineItem{{ItemID: "item1", Quantity: 2}}

	failed, err := svc.CreateOrder(ctx, "A", items, "op-retry")
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	fetched, err := svc.GetOrder(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, fetched.Status)

	_, err = svc.Deposit(ctx, "A", 100, "fund")
	require.NoError(t, err)
	committed, err := svc.CreateOrder(ctx, "A", items, "op-retry")
	require.NoError(t, err)

	fetched, err = svc.GetOrder(ctx, "op-retry")
	require.NoError(t, err)
	assert.Equal(t, committed, fetched)
	assert.Equal(t, domain.OrderStatusCommitted, fetched.Status)
}

func TestFailedOrders_Bounded(t *testing.T) {
	svc, _ := newTestService(t)

	for i := range maxFailedOrders + 5 {
		svc.recordFailed(domain.Order{ID: fmt.Sprintf("op-%d", i), Status: domain.OrderStatusFailed})
	}
	// re-failing a known id does not add a slot
	svc.recordFailed(domain.Order{ID: "op-10", Status: domain.OrderStatusFailed})

	svc.mu.RLock()
	defer svc.mu.RUnlock()
	assert.Len(t, svc.failed, maxFailedOrders)
	assert.Len(t, svc.failedIDs, maxFailedOrders)
	assert.NotContains(t, svc.failed, "op-0")
	assert.NotContains(t, svc.failed, "op-4")
	assert.Contains(t, svc.failed, "op-5")
	assert.Contains(t, svc.failed, fmt.Sprintf("op-%d", maxFailedOrders+4))
}

func TestDepositAndRestock(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 0)
	mustItem(t, svc, "item1", 0, 100)
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "A", 700, "dep")
	require.NoError(t, err)
	_, err = svc.Restock(ctx, "item1", 4, "re")
	require.NoError(t, err)

	assert.Equal(t, int64(700), balance(t, svc, "A").Balance)
	assert.Equal(t, int64(4), stock(t, svc, "item1").StockCount)
	assert.Equal(t, int64(100), stock(t, svc, "item1").UnitPrice)

	_, err = svc.Deposit(ctx, "A", 0, "dep0")
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
	_, err = svc.Restock(ctx, "", 1, "re0")
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestCreateEntities(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	acc, err := svc.CreateAccount(ctx, "", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, uint64(1), acc.Version)

	_, err = svc.CreateAccount(ctx, acc.ID, 10)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = svc.CreateAccount(ctx, "neg", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	_, err = svc.CreateItem(ctx, "bad-price", 1, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	_, err = svc.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetStats(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC) }
	agg := stats.New(stats.WithClock(now))
	ledger := storage.NewMemoryLedger()
	coord := coordinator.New(storage.NewMemoryStore(), ledger, coordinator.WithObserver(agg), coordinator.WithClock(now))
	svc := NewReservationService(coord, WithStats(agg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	mustAccount(t, svc, "A", 1000)
	mustItem(t, svc, "item1", 5, 100)
	_, err := svc.CreateOrder(context.Background(), "A", []domain.LineItem{{ItemID: "item1", Quantity: 2}}, "o1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := svc.GetStats("")
		return err == nil && snap.Orders == 1 && snap.Revenue == 200
	}, 2*time.Second, 5*time.Millisecond)

	noStats, _ := newTestService(t)
	_, err = noStats.GetStats("")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentOppositeTransfers(t *testing.T) {
	svc, _ := newTestService(t)
	mustAccount(t, svc, "A", 1000)
	mustAccount(t, svc, "B", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Transfer(context.Background(), "A", "B", 7, fmt.Sprintf("ab-%d", i))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Transfer(context.Background(), "B", "A", 7, fmt.Sprintf("ba-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(2000), balance(t, svc, "A").Balance+balance(t, svc, "B").Balance)
	assert.Equal(t, int64(1000), balance(t, svc, "A").Balance)
}

// TestRandomInterleavings runs random transfers and orders concurrently and
// checks that failed operations leave no trace, money and stock are
// conserved, nothing goes negative and the ledger is gap-free.
func TestRandomInterleavings(t *testing.T) {
	const (
		accounts = 5
		items    = 3
		workers  = 8
		perWork  = 60
	)

	svc, ledger := newTestService(t)
	for i := 0; i < accounts; i++ {
		mustAccount(t, svc, fmt.Sprintf("acc%d", i), 2_000)
	}
	for i := 0; i < items; i++ {
		mustItem(t, svc, fmt.Sprintf("item%d", i), 40, int64(10*(i+1)))
	}

	var revenue, sold [items]atomic.Int64
	var failed atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWork; i++ {
				opID := fmt.Sprintf("w%d-%d", w, i)
				if rng.Intn(2) == 0 {
					perm := rng.Perm(accounts)
					_, err := svc.Transfer(context.Background(),
						fmt.Sprintf("acc%d", perm[0]), fmt.Sprintf("acc%d", perm[1]),
						int64(rng.Intn(800)+1), opID)
					if err != nil {
						assert.True(t, errors.Is(err, domain.ErrInsufficientBalance), "unexpected: %v", err)
						failed.Add(1)
					}
					continue
				}

				item := rng.Intn(items)
				qty := int64(rng.Intn(5) + 1)
				order, err := svc.CreateOrder(context.Background(), fmt.Sprintf("acc%d", rng.Intn(accounts)),
					[]domain.LineItem{{ItemID: fmt.Sprintf("item%d", item), Quantity: qty}}, opID)
				if err != nil {
					assert.True(t,
						errors.Is(err, domain.ErrInsufficientBalance) || errors.Is(err, domain.ErrInsufficientStock),
						"unexpected: %v", err)
					assert.Equal(t, domain.OrderStatusFailed, order.Status)
					failed.Add(1)
					continue
				}
				sold[item].Add(qty)
				revenue[item].Add(order.TotalAmount)
			}
		}(w)
	}
	wg.Wait()

	var totalBalance, totalRevenue int64
	for i := 0; i < accounts; i++ {
		acc := balance(t, svc, fmt.Sprintf("acc%d", i))
		assert.GreaterOrEqual(t, acc.Balance, int64(0))
		totalBalance += acc.Balance
	}
	for i := 0; i < items; i++ {
		item := stock(t, svc, fmt.Sprintf("item%d", i))
		assert.GreaterOrEqual(t, item.StockCount, int64(0))
		assert.Equal(t, int64(40)-sold[i].Load(), item.StockCount)
		totalRevenue += revenue[i].Load()
	}
	assert.Equal(t, int64(accounts*2_000), totalBalance+totalRevenue)

	last, err := ledger.LastSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*perWork)-uint64(failed.Load()), last)

	report, err := svc.VerifyLedger(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
	assert.Equal(t, last, report.Checked)
}
