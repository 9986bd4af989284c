package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/reservation-ledger/internal/adapter/handler"
	"github.com/rl1809/reservation-ledger/internal/adapter/storage"
	"github.com/rl1809/reservation-ledger/internal/core/coordinator"
	"github.com/rl1809/reservation-ledger/internal/core/domain"
	"github.com/rl1809/reservation-ledger/internal/core/service"
)

const itemID = "flash-sale-item"

func main() {
	app := &cli.App{
		Name:  "stress_test",
		Usage: "hammer the ledger with concurrent orders and transfers, then check its invariants",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "accounts", Value: 10, Usage: "number of accounts"},
			&cli.Int64Flag{Name: "balance", Value: 1000, Usage: "starting balance per account"},
			&cli.Int64Flag{Name: "stock", Value: 20, Usage: "flash sale stock"},
			&cli.Int64Flag{Name: "price", Value: 10, Usage: "flash sale unit price"},
			&cli.IntFlag{Name: "orders", Value: 50, Usage: "concurrent single-unit orders"},
			&cli.IntFlag{Name: "requests", Value: 1000, Usage: "random transfers after the sale"},
			&cli.IntFlag{Name: "concurrency", Value: 32, Usage: "requests in flight"},
			&cli.StringFlag{Name: "target", Usage: "gRPC address of a running server (in-process when empty)"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("stress test failed")
	}
}

// target is the surface the stress test drives, either in-process or over gRPC.
type target interface {
	CreateAccount(ctx context.Context, id string, balance int64) error
	CreateItem(ctx context.Context, id string, stock, price int64) error
	Transfer(ctx context.Context, from, to string, amount int64, opID string) error
	Order(ctx context.Context, accountID, itemID, opID string) error
}

type localTarget struct {
	svc *service.ReservationService
}

func (t localTarget) CreateAccount(ctx context.Context, id string, balance int64) error {
	_, err := t.svc.CreateAccount(ctx, id, balance)
	return err
}

func (t localTarget) CreateItem(ctx context.Context, id string, stock, price int64) error {
	_, err := t.svc.CreateItem(ctx, id, stock, price)
	return err
}

func (t localTarget) Transfer(ctx context.Context, from, to string, amount int64, opID string) error {
	_, err := t.svc.Transfer(ctx, from, to, amount, opID)
	return err
}

func (t localTarget) Order(ctx context.Context, accountID, itemID, opID string) error {
	_, err := t.svc.CreateOrder(ctx, accountID, []domain.LineItem{{ItemID: itemID, Quantity: 1}}, opID)
	return err
}

type remoteTarget struct {
	client *handler.LedgerClient
}

func (t remoteTarget) CreateAccount(ctx context.Context, id string, balance int64) error {
	_, err := t.client.CreateAccount(ctx, &handler.CreateAccountRequest{ID: id, Balance: balance})
	return err
}

func (t remoteTarget) CreateItem(ctx context.Context, id string, stock, price int64) error {
	_, err := t.client.CreateItem(ctx, &handler.CreateItemRequest{ID: id, StockCount: stock, UnitPrice: price})
	return err
}

func (t remoteTarget) Transfer(ctx context.Context, from, to string, amount int64, opID string) error {
	_, err := t.client.Transfer(ctx, &handler.TransferRequest{
		OperationID: opID, FromAccountID: from, ToAccountID: to, Amount: amount,
	})
	return err
}

func (t remoteTarget) Order(ctx context.Context, accountID, itemID, opID string) error {
	_, err := t.client.CreateOrder(ctx, &handler.CreateOrderRequest{
		OperationID: opID,
		AccountID:   accountID,
		LineItems:   []domain.LineItem{{ItemID: itemID, Quantity: 1}},
	})
	return err
}

// counters tallies outcomes by domain code.
type counters struct {
	ok, rejected, retryable, unexpected atomic.Int64
}

func (c *counters) record(err error) {
	switch {
	case err == nil:
		c.ok.Add(1)
	case domain.CodeOf(err) == domain.CodeUnknown:
		c.unexpected.Add(1)
	case domain.CodeOf(err).Retryable():
		c.retryable.Add(1)
	default:
		c.rejected.Add(1)
	}
}

func run(c *cli.Context) error {
	ctx := c.Context
	accounts := c.Int("accounts")
	balance := c.Int64("balance")
	stock := c.Int64("stock")
	price := c.Int64("price")
	orders := c.Int("orders")
	requests := c.Int("requests")
	if accounts < 2 {
		return errors.New("need at least two accounts")
	}

	var (
		t     target
		local *service.ReservationService
	)
	if addr := c.String("target"); addr != "" {
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer conn.Close()
		t = remoteTarget{client: handler.NewLedgerClient(conn)}
	} else {
		local = service.NewReservationService(
			coordinator.New(storage.NewMemoryStore(), storage.NewMemoryLedger()),
		)
		t = localTarget{svc: local}
	}

	// Ids are unique per run so a shared server can be hit repeatedly.
	prefix := uuid.NewString()[:8]
	accountID := func(i int) string { return fmt.Sprintf("%s-user-%d", prefix, i) }
	item := prefix + "-" + itemID

	for i := range accounts {
		if err := t.CreateAccount(ctx, accountID(i), balance); err != nil {
			return fmt.Errorf("create account: %w", err)
		}
	}
	if err := t.CreateItem(ctx, item, stock, price); err != nil {
		return fmt.Errorf("create item: %w", err)
	}

	start := time.Now()

	var sale counters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Int("concurrency"))
	for i := range orders {
		g.Go(func() error {
			sale.record(t.Order(gctx, accountID(i%accounts), item, fmt.Sprintf("%s-order-%d", prefix, i)))
			return nil
		})
	}
	_ = g.Wait()

	var transfers counters
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(c.Int("concurrency"))
	for i := range requests {
		from := rand.IntN(accounts)
		to := (from + 1 + rand.IntN(accounts-1)) % accounts
		amount := 1 + rand.Int64N(balance/2+1)
		g.Go(func() error {
			transfers.record(t.Transfer(gctx, accountID(from), accountID(to), amount, fmt.Sprintf("%s-transfer-%d", prefix, i)))
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Accounts:          %d x %d\n", accounts, balance)
	fmt.Printf("Initial Stock:     %d\n", stock)
	fmt.Printf("Orders:            %d ok / %d rejected / %d retryable / %d unexpected\n",
		sale.ok.Load(), sale.rejected.Load(), sale.retryable.Load(), sale.unexpected.Load())
	fmt.Printf("Transfers:         %d ok / %d rejected / %d retryable / %d unexpected\n",
		transfers.ok.Load(), transfers.rejected.Load(), transfers.retryable.Load(), transfers.unexpected.Load())
	fmt.Printf("Duration:          %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	check := func(ok bool, pass string, format string, args ...any) {
		if ok {
			fmt.Println("PASS: " + pass)
			return
		}
		failed = true
		fmt.Printf("FAIL: "+format+"\n", args...)
	}

	expected := min(int64(orders), stock)
	check(sale.ok.Load() == expected,
		fmt.Sprintf("exactly %d orders succeeded", expected),
		"expected %d orders, got %d", expected, sale.ok.Load())
	check(sale.unexpected.Load()+transfers.unexpected.Load() == 0,
		"no unexpected errors", "%d unexpected errors", sale.unexpected.Load()+transfers.unexpected.Load())

	if local != nil {
		exp := expectations{
			accounts: accounts,
			balance:  balance,
			item:     item,
			stock:    stock,
			sold:     sale.ok.Load(),
			price:    price,
			commits:  sale.ok.Load() + transfers.ok.Load(),
		}
		if err := checkLocal(ctx, local, exp, accountID, check); err != nil {
			return err
		}
	}

	if failed {
		return cli.Exit("invariant check failed", 1)
	}
	return nil
}

type expectations struct {
	accounts int
	balance  int64
	item     string
	stock    int64
	sold     int64
	price    int64
	commits  int64
}

// checkLocal verifies conservation, non-negativity and the ledger chain
// against the in-process service.
func checkLocal(
	ctx context.Context,
	svc *service.ReservationService,
	exp expectations,
	accountID func(int) string,
	check func(ok bool, pass string, format string, args ...any),
) error {
	var total int64
	negative := 0
	for i := range exp.accounts {
		acc, err := svc.GetAccount(ctx, accountID(i))
		if err != nil {
			return err
		}
		total += acc.Balance
		if acc.Balance < 0 {
			negative++
		}
	}
	revenue := exp.sold * exp.price
	want := int64(exp.accounts) * exp.balance
	check(total+revenue == want, "value conserved",
		"balances %d + revenue %d != %d", total, revenue, want)
	check(negative == 0, "no negative balances", "%d negative balances", negative)

	it, err := svc.GetItem(ctx, exp.item)
	if err != nil {
		return err
	}
	check(it.StockCount >= 0 && it.StockCount+exp.sold == exp.stock,
		fmt.Sprintf("stock settled at %d", it.StockCount),
		"stock %d + sold %d != %d", it.StockCount, exp.sold, exp.stock)

	last, err := svc.LastSequence(ctx)
	if err != nil {
		return err
	}
	check(int64(last) == exp.commits,
		fmt.Sprintf("ledger holds %d entries", last),
		"ledger holds %d entries, expected %d", last, exp.commits)

	report, err := svc.VerifyLedger(ctx)
	if err != nil {
		return err
	}
	check(report.Valid, "ledger is gap-free and hash-chained",
		"ledger broken at %d: %s", report.BrokenAt, report.Reason)
	return nil
}
