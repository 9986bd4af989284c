package stats

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
)

const (
	DefaultQueueSize   = 1024
	DefaultBucketWidth = time.Minute
	DefaultRetention   = 24 * time.Hour
)

// bucketLayout names buckets by their UTC start time.
const bucketLayout = time.RFC3339

type bucket struct {
	start          time.Time
	orders         atomic.Int64
	revenue        atomic.Int64
	transfers      atomic.Int64
	transferVolume atomic.Int64
	deposits       atomic.Int64
	depositVolume  atomic.Int64
}

type Option func(*Aggregator)

func WithQueueSize(n int) Option {
	return func(a *Aggregator) { a.queueSize = n }
}

func WithBucketWidth(d time.Duration) Option {
	return func(a *Aggregator) { a.width = d }
}

func WithRetention(d time.Duration) Option {
	return func(a *Aggregator) { a.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Aggregator) { a.log = log }
}

// Aggregator folds committed ledger entries into per-bucket counters.
// OnCommit never blocks: when the queue is full the oldest pending entry is
// dropped and the aggregator is marked degraded. Snapshot reads atomics
// only and never waits on the consumer.
type Aggregator struct {
	queueSize int
	width     time.Duration
	retention time.Duration
	now       func() time.Time
	log       logrus.FieldLogger

	queue    chan domain.LedgerEntry
	buckets  sync.Map // bucket name -> *bucket
	degraded atomic.Bool
	dropped  atomic.Uint64
	lastSeq  atomic.Uint64
}

func New(opts ...Option) *Aggregator {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	a := &Aggregator{
		queueSize: DefaultQueueSize,
		width:     DefaultBucketWidth,
		retention: DefaultRetention,
		now:       time.Now,
		log:       discard,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.queueSize < 1 {
		a.queueSize = 1
	}
	if a.width <= 0 {
		a.width = DefaultBucketWidth
	}
	a.queue = make(chan domain.LedgerEntry, a.queueSize)
	return a
}

func (a *Aggregator) OnCommit(entry domain.LedgerEntry) {
	for {
		select {
		case a.queue <- entry:
			return
		default:
		}

		select {
		case old := <-a.queue:
			a.dropped.Add(1)
			if !a.degraded.Swap(true) {
				a.log.WithField("sequence", old.Sequence).Warn("stats queue full, dropping oldest notification")
			}
		default:
		}
	}
}

// Run consumes notifications until ctx is done, then folds whatever is
// still queued.
func (a *Aggregator) Run(ctx context.Context) error {
	prune := time.NewTicker(a.width)
	defer prune.Stop()

	for {
		select {
		case entry := <-a.queue:
			a.fold(entry)
		case <-prune.C:
			a.prune()
		case <-ctx.Done():
			for {
				select {
				case entry := <-a.queue:
					a.fold(entry)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Aggregator) bucketName(t time.Time) (string, time.Time) {
	start := t.UTC().Truncate(a.width)
	return start.Format(bucketLayout), start
}

func (a *Aggregator) fold(entry domain.LedgerEntry) {
	name, start := a.bucketName(entry.Timestamp)
	v, _ := a.buckets.LoadOrStore(name, &bucket{start: start})
	b := v.(*bucket)

	switch entry.Kind {
	case domain.OperationOrder:
		b.orders.Add(1)
		b.revenue.Add(entry.Amount)
	case domain.OperationTransfer:
		b.transfers.Add(1)
		b.transferVolume.Add(entry.Amount)
	case domain.OperationDeposit:
		b.deposits.Add(1)
		b.depositVolume.Add(entry.Amount)
	}

	for {
		last := a.lastSeq.Load()
		if entry.Sequence <= last || a.lastSeq.CompareAndSwap(last, entry.Sequence) {
			break
		}
	}
}

func (a *Aggregator) prune() {
	if a.retention <= 0 {
		return
	}
	cutoff := a.now().UTC().Add(-a.retention)
	a.buckets.Range(func(k, v any) bool {
		if v.(*bucket).start.Before(cutoff) {
			a.buckets.Delete(k)
		}
		return true
	})
}

// Snapshot returns the counters for the bucket containing the RFC 3339 time
// in name, or the current bucket when name is empty.
func (a *Aggregator) Snapshot(name string) (domain.StatsSnapshot, error) {
	at := a.now()
	if name != "" {
		parsed, err := time.Parse(bucketLayout, name)
		if err != nil {
			return domain.StatsSnapshot{}, domain.Wrap(domain.CodeInvalidOperation, "bucket must be an RFC 3339 time", err)
		}
		at = parsed
	}
	key, start := a.bucketName(at)

	snap := domain.StatsSnapshot{
		Bucket:       key,
		Start:        start,
		LastSequence: a.lastSeq.Load(),
		Degraded:     a.degraded.Load(),
		Dropped:      a.dropped.Load(),
	}
	if v, ok := a.buckets.Load(key); ok {
		b := v.(*bucket)
		snap.Orders = b.orders.Load()
		snap.Revenue = b.revenue.Load()
		snap.Transfers = b.transfers.Load()
		snap.TransferVolume = b.transferVolume.Load()
		snap.Deposits = b.deposits.Load()
		snap.DepositVolume = b.depositVolume.Load()
	}
	return snap, nil
}

// Pending reports how many notifications are waiting to be folded.
func (a *Aggregator) Pending() int {
	return len(a.queue)
}
