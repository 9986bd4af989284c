package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/reservation-ledger/internal/core/domain"
	"github.com/rl1809/reservation-ledger/internal/core/keylock"
	"github.com/rl1809/reservation-ledger/internal/port"
)

const DefaultLockTimeout = 2 * time.Second

type State int

const (
	StateInitiated State = iota
	StateValidating
	StateLocked
	StateApplying
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateValidating:
		return "validating"
	case StateLocked:
		return "locked"
	case StateApplying:
		return "applying"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MutationFunc computes the new value of one entity from its current value.
// It must be pure: the coordinator may call it while holding locks and
// discards its result if any other mutation in the operation fails.
type MutationFunc func(current domain.Value) (domain.Value, error)

type Mutation struct {
	Key   domain.Key
	Apply MutationFunc
}

// Operation is one all-or-nothing unit of work. ID is the idempotency key.
type Operation struct {
	ID        string
	Kind      domain.OperationKind
	Amount    int64
	Payload   json.RawMessage
	Mutations []Mutation
}

// Result is the committed ledger entry. Replayed is set when the entry was
// produced by an earlier call with the same operation id.
type Result struct {
	Entry    domain.LedgerEntry
	Replayed bool
}

// AbortError carries the state an operation was in when it aborted.
type AbortError struct {
	State State
	Err   error
}

func (e *AbortError) Error() string {
	return "operation aborted while " + e.State.String() + ": " + e.Err.Error()
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

type Option func(*Coordinator)

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithObserver registers a commit observer. Observers are called
// synchronously after locks are released and must not block.
func WithObserver(o port.CommitObserver) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

type Coordinator struct {
	store       port.EntityStore
	ledger      port.Ledger
	locks       *keylock.Table
	lockTimeout time.Duration
	now         func() time.Time
	log         logrus.FieldLogger
	observers   []port.CommitObserver
}

func New(store port.EntityStore, ledger port.Ledger, opts ...Option) *Coordinator {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	c := &Coordinator{
		store:       store,
		ledger:      ledger,
		locks:       keylock.New(),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
		log:         discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store exposes the entity store for read-only queries.
func (c *Coordinator) Store() port.EntityStore { return c.store }

// Ledger exposes the ledger for read-only queries.
func (c *Coordinator) Ledger() port.Ledger { return c.ledger }

// applied is one key written during Applying.
type applied struct {
	before  domain.Snapshot
	version uint64
}

type run struct {
	c     *Coordinator
	op    Operation
	state State
	log   logrus.FieldLogger
}

func (r *run) enter(s State) {
	r.state = s
	r.log.WithField("state", s.String()).Debug("transaction state")
}

func (r *run) abort(err error) error {
	r.log.WithFields(logrus.Fields{
		"state": r.state.String(),
		"code":  domain.CodeOf(err),
	}).WithError(err).Warn("transaction aborted")
	return &AbortError{State: r.state, Err: err}
}

// Execute runs op through Initiated, Validating, Locked, Applying and
// Committing. A committed operation id short-circuits to the prior result.
func (c *Coordinator) Execute(ctx context.Context, op Operation) (Result, error) {
	r := &run{
		c:   c,
		op:  op,
		log: c.log.WithFields(logrus.Fields{"operation_id": op.ID, "kind": op.Kind}),
	}
	r.enter(StateInitiated)

	if op.ID == "" {
		return Result{}, r.abort(domain.Invalid("operation id is required"))
	}
	if res, ok, err := r.replay(ctx); err != nil || ok {
		return res, err
	}

	r.enter(StateValidating)
	keys, byKey, err := validate(op)
	if err != nil {
		return Result{}, r.abort(err)
	}

	r.enter(StateLocked)
	held, err := c.locks.AcquireAll(ctx, keys, c.lockTimeout)
	if err != nil {
		return Result{}, r.abort(err)
	}
	res, err := r.locked(ctx, held.Keys(), byKey)
	held.Release()
	if err != nil {
		return Result{}, err
	}

	if !res.Replayed {
		r.log.WithField("sequence", res.Entry.Sequence).Debug("transaction committed")
		for _, o := range c.observers {
			o.OnCommit(res.Entry)
		}
	}
	return res, nil
}

// replay returns the committed result for the operation id if one exists.
func (r *run) replay(ctx context.Context) (Result, bool, error) {
	entry, ok, err := r.c.ledger.FindByOperation(ctx, r.op.ID)
	if err != nil {
		return Result{}, false, r.abort(err)
	}
	if !ok {
		return Result{}, false, nil
	}
	if entry.Kind != r.op.Kind {
		return Result{}, false, r.abort(domain.Invalid("operation id " + r.op.ID + " was committed as " + string(entry.Kind)))
	}
	r.log.WithField("sequence", entry.Sequence).Debug("replaying committed operation")
	return Result{Entry: entry, Replayed: true}, true, nil
}

func validate(op Operation) ([]domain.Key, map[domain.Key]MutationFunc, error) {
	if len(op.Mutations) == 0 {
		return nil, nil, domain.Invalid("operation has no mutations")
	}
	byKey := make(map[domain.Key]MutationFunc, len(op.Mutations))
	keys := make([]domain.Key, 0, len(op.Mutations))
	for _, m := range op.Mutations {
		if !m.Key.Valid() {
			return nil, nil, domain.KeyError(domain.CodeInvalidOperation, "malformed entity key", m.Key)
		}
		if m.Apply == nil {
			return nil, nil, domain.KeyError(domain.CodeInvalidOperation, "mutation has no function", m.Key)
		}
		if _, dup := byKey[m.Key]; dup {
			return nil, nil, domain.KeyError(domain.CodeInvalidOperation, "key mutated twice in one operation", m.Key)
		}
		byKey[m.Key] = m.Apply
		keys = append(keys, m.Key)
	}
	return keylock.Canonical(keys), byKey, nil
}

// locked runs the Applying and Committing steps. Every lock in keys is held.
func (r *run) locked(ctx context.Context, keys []domain.Key, byKey map[domain.Key]MutationFunc) (Result, error) {
	// A concurrent retry of the same operation may have committed while we
	// waited for the locks.
	if res, ok, err := r.replay(ctx); err != nil || ok {
		return res, err
	}

	r.enter(StateApplying)
	ctx = context.WithoutCancel(ctx)

	before := make([]domain.Snapshot, len(keys))
	after := make([]domain.Snapshot, len(keys))
	for i, key := range keys {
		value, version, err := r.c.store.Get(ctx, key)
		if err != nil {
			return Result{}, r.abort(err)
		}
		next, err := byKey[key](value)
		if err != nil {
			return Result{}, r.abort(err)
		}
		if err := next.Validate(key); err != nil {
			return Result{}, r.abort(err)
		}
		before[i] = domain.Snapshot{Key: key, Value: value, Version: version}
		after[i] = domain.Snapshot{Key: key, Value: next}
	}

	written := make([]applied, 0, len(keys))
	for i, key := range keys {
		version, err := r.c.store.CompareAndSwap(ctx, key, before[i].Version, after[i].Value)
		if err != nil {
			r.rollback(ctx, written)
			return Result{}, r.abort(err)
		}
		after[i].Version = version
		written = append(written, applied{before: before[i], version: version})
	}

	r.enter(StateCommitting)
	entry := domain.LedgerEntry{
		OperationID:  r.op.ID,
		Kind:         r.op.Kind,
		Amount:       r.op.Amount,
		AffectedKeys: keys,
		Before:       before,
		After:        after,
		Payload:      r.op.Payload,
		Timestamp:    r.c.now().UTC(),
	}
	sealed, err := r.c.ledger.Append(ctx, entry)
	if err == nil {
		r.enter(StateCommitted)
		return Result{Entry: sealed}, nil
	}

	// The write may have become durable even though Append reported a
	// failure. If the ledger has the entry, the operation is committed.
	if prior, ok, findErr := r.c.ledger.FindByOperation(ctx, r.op.ID); findErr == nil && ok && prior.Timestamp.Equal(entry.Timestamp) {
		r.log.WithError(err).Warn("ledger append reported failure but entry is durable")
		r.enter(StateCommitted)
		return Result{Entry: prior}, nil
	}

	r.rollback(ctx, written)
	switch domain.CodeOf(err) {
	case domain.CodeAlreadyExists:
		// Same operation id committed concurrently under a different key set.
		if res, ok, replayErr := r.replay(ctx); replayErr != nil || ok {
			return res, replayErr
		}
	case domain.CodeUnknown:
		err = domain.Wrap(domain.CodeLedgerUnavailable, "append ledger entry", err)
	}
	return Result{}, r.abort(err)
}

// rollback reinstates the prior value and version of every written key, in
// reverse order. Locks are still held, so a failure here means the backend
// itself is failing and the entity needs operator attention.
func (r *run) rollback(ctx context.Context, written []applied) {
	for i := len(written) - 1; i >= 0; i-- {
		w := written[i]
		if err := r.c.store.Restore(ctx, w.before.Key, w.version, w.before); err != nil {
			r.log.WithFields(logrus.Fields{
				"key":     w.before.Key,
				"version": w.version,
			}).WithError(err).Error("CRITICAL rollback failed")
		}
	}
}
