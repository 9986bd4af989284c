package relay

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/reservation-ledger/internal/port"
)

const DefaultInterval = 250 * time.Millisecond

type Option func(*Relay)

func WithInterval(d time.Duration) Option {
	return func(r *Relay) { r.interval = d }
}

// WithCursor starts the relay after the given sequence.
func WithCursor(seq uint64) Option {
	return func(r *Relay) { r.cursor.Store(seq) }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Relay) { r.log = log }
}

// Relay tails the ledger and forwards committed entries to a publisher in
// sequence order. The cursor only moves past an entry once it has been
// published, so delivery is at-least-once.
type Relay struct {
	ledger    port.Ledger
	publisher port.Publisher
	interval  time.Duration
	log       logrus.FieldLogger
	cursor    atomic.Uint64
}

func New(ledger port.Ledger, publisher port.Publisher, opts ...Option) *Relay {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	r := &Relay{
		ledger:    ledger,
		publisher: publisher,
		interval:  DefaultInterval,
		log:       discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cursor is the last published sequence.
func (r *Relay) Cursor() uint64 {
	return r.cursor.Load()
}

func (r *Relay) Run(ctx context.Context) error {
	r.log.WithField("cursor", r.Cursor()).Info("relay started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.WithField("cursor", r.Cursor()).Info("relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.log.WithError(err).Warn("relay flush failed, retrying next tick")
			}
		}
	}
}

// Flush publishes every entry committed after the cursor and returns how
// many were published. It stops at the first failure.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	last, err := r.ledger.LastSequence(ctx)
	if err != nil {
		return 0, err
	}
	from := r.cursor.Load() + 1
	if from > last {
		return 0, nil
	}

	published := 0
	for entry, err := range r.ledger.ReadRange(ctx, from, last) {
		if err != nil {
			return published, err
		}
		if err := r.publisher.Publish(ctx, entry); err != nil {
			return published, err
		}
		r.cursor.Store(entry.Sequence)
		published++
	}
	return published, nil
}
