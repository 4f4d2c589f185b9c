/*
engine.go - Transaction engine for redemptions, draws, pity claims and grants

PURPOSE:
  Orchestrates one spend as a single atomic unit against the store:
  debit the balance, take inventory, append the receipt. Every operation
  goes through the same pipeline so idempotency, retries, intents and
  invariant checks behave identically for all kinds.

STATE MACHINE (per request):

    Validated ──> Reserved ──> Resolved ──> Committed
        │             │            │
        └─────────────┴────────────┴──────> Rejected

  Validated: input shape, cost, balance >= cost (against a fresh read)
  Reserved:  conditional debit inside the atomic scope
  Resolved:  conditional stock decrement (redeem) or selector + decrement (draw)
  Committed: receipt appended, intent closed, scope committed

  Reserved and Resolved share one scope. A failure in Resolved rolls the
  debit back with everything else, so a user is never charged for an item
  that could not be reserved and no receipt is written.

IDEMPOTENCY:
  The transaction ID is derived from (user, idempotency key). A request whose
  key already has a receipt returns that receipt without touching any
  counter. Two identical requests racing each other both reach the scope;
  the store's unique (user, key) constraint rejects the second receipt, its
  scope rolls back, and it replays the first.

RETRIES:
  Only ErrConcurrentModification is retried. It is raised by the store when
  lock contention aborted the scope, so nothing was applied and running the
  whole scope again cannot double-debit.

INTENTS:
  Before the scope opens, a pending marker is written outside it. The scope
  removes the marker on commit. A marker that survives a crash is picked up
  by the Recoverer (recovery.go).

SEE ALSO:
  - operations.go: Redeem, Draw, ClaimPity, Grant, reads and audit
  - gacha/selector.go: Weighted selection
  - store.go: Conditional adjustment contract
*/
package redemption

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MultiDrawCount is the size of a batch draw.
const MultiDrawCount = 10

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	SingleDrawCost Points
	MultiDrawCost  Points
	MultiDrawBonus Points // credited back inside the batch's scope

	// NoWinMass is the fixed probability mass of "no win", added to the
	// eligible pool weight before normalization.
	NoWinMass decimal.Decimal

	// MaxResolveAttempts bounds re-selection after losing a stock race.
	MaxResolveAttempts int

	PityThreshold int64

	// MaxAttempts bounds scope retries on ErrConcurrentModification.
	MaxAttempts  int
	RetryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		SingleDrawCost:     3,
		MultiDrawCost:      30,
		MultiDrawBonus:     3,
		NoWinMass:          decimal.NewFromInt(1),
		MaxResolveAttempts: 3,
		PityThreshold:      35,
		MaxAttempts:        3,
		RetryBackoff:       20 * time.Millisecond,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store  Store
	cfg    Config
	log    logrus.FieldLogger
	random func() float64
	now    func() time.Time
}

type Option func(*Engine)

// WithRandom replaces the uniform [0, 1) source used by draws.
func WithRandom(fn func() float64) Option {
	return func(e *Engine) { e.random = fn }
}

// WithClock replaces the receipt timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

func NewEngine(store Store, cfg Config, log logrus.FieldLogger, opts ...Option) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxResolveAttempts < 1 {
		cfg.MaxResolveAttempts = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		store:  store,
		cfg:    cfg,
		log:    log.WithField("component", "engine"),
		random: rand.Float64,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Result is what a completed (or replayed) operation returns.
type Result struct {
	Receipt  Receipt
	Balance  Points
	Outcomes []Outcome
	Replayed bool
}

// =============================================================================
// PIPELINE
// =============================================================================

// operation describes one request to the shared pipeline.
type operation struct {
	kind Kind
	user UserID
	key  string

	// prepare runs at Validated. It returns the gross debit and the credits
	// that will be applied inside the scope.
	prepare func(ctx context.Context) (cost, credit Points, err error)

	// resolve runs inside the scope after the debit.
	resolve func(ctx context.Context, tx Tx, id TransactionID) ([]Outcome, error)

	bonus Points
}

func (e *Engine) execute(ctx context.Context, op operation) (*Result, error) {
	if op.user == "" {
		return nil, ErrInvalidRequest
	}
	id := transactionID(op.user, op.key)
	log := e.log.WithFields(logrus.Fields{
		"user_id": op.user,
		"kind":    op.kind,
		"tx_id":   id,
	})

	if op.key != "" {
		prior, err := e.store.FindReceipt(ctx, op.user, op.key)
		if err != nil {
			return nil, e.fail(log, err)
		}
		if prior != nil {
			return e.replay(ctx, log, op, prior)
		}
	}

	// Validated
	cost, credit, err := op.prepare(ctx)
	if err != nil {
		return e.settle(ctx, log, op, err)
	}
	if cost > 0 {
		bal, err := e.store.Balance(ctx, op.user)
		if err != nil {
			return nil, e.fail(log, err)
		}
		if bal.Points < 0 {
			return nil, e.fail(log, &InvariantViolationError{Subject: "balance", ID: string(op.user), Value: int64(bal.Points)})
		}
		if bal.Points < cost {
			return e.settle(ctx, log, op, &InsufficientBalanceError{UserID: op.user, Available: bal.Points, Requested: cost})
		}
	}

	opened, err := e.store.OpenIntent(ctx, Intent{
		TransactionID:  id,
		IdempotencyKey: op.key,
		UserID:         op.user,
		Kind:           op.kind,
		Cost:           cost,
		CreatedAt:      e.timestamp(),
	})
	if err != nil {
		return nil, e.fail(log, err)
	}

	var res *Result
	err = e.withRetry(ctx, log, func() error {
		var err error
		res, err = e.commit(ctx, op, id, cost, credit)
		return err
	})
	if err == nil {
		log.WithFields(logrus.Fields{
			"points_delta": res.Receipt.PointsDelta,
			"balance":      res.Balance,
			"outcome":      res.Receipt.OutcomeName(),
		}).Debug("transaction committed")
		return res, nil
	}

	if opened {
		if cerr := e.store.CloseIntent(context.WithoutCancel(ctx), id); cerr != nil {
			log.WithError(cerr).Warn("failed to close intent after rollback")
		}
	}
	return e.settle(ctx, log, op, err)
}

// settle decides the outcome of a failed attempt. A request whose key
// already has a committed receipt replays it, whatever failed on the way:
// a twin that committed first drains the balance or stock this one saw.
func (e *Engine) settle(ctx context.Context, log logrus.FieldLogger, op operation, err error) (*Result, error) {
	if op.key == "" || errors.Is(err, ErrInvariantViolation) {
		return nil, e.fail(log, err)
	}
	prior, ferr := e.store.FindReceipt(context.WithoutCancel(ctx), op.user, op.key)
	if ferr != nil {
		log.WithError(ferr).Warn("receipt lookup after failure")
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil, e.fail(log, ferr)
		}
		return nil, e.fail(log, err)
	}
	if prior == nil {
		return nil, e.fail(log, err)
	}
	return e.replay(context.WithoutCancel(ctx), log, op, prior)
}

// commit runs Reserved, Resolved and Committed inside one scope.
func (e *Engine) commit(ctx context.Context, op operation, id TransactionID, cost, credit Points) (*Result, error) {
	var res *Result
	err := e.store.WithTx(ctx, func(tx Tx) error {
		// Reserved
		if cost > 0 {
			if _, err := tx.AdjustBalance(ctx, op.user, -cost, EntryRef{Reference: id, Reason: string(op.kind)}); err != nil {
				return err
			}
		}

		// Resolved
		outcomes, err := op.resolve(ctx, tx, id)
		if err != nil {
			return err
		}
		if credit > 0 {
			if _, err := tx.AdjustBalance(ctx, op.user, credit, EntryRef{Reference: id, Reason: string(op.kind)}); err != nil {
				return err
			}
		}
		if op.bonus > 0 {
			if _, err := tx.AdjustBalance(ctx, op.user, op.bonus, EntryRef{Reference: id, Reason: "bonus"}); err != nil {
				return err
			}
		}

		// Committed
		receipt, err := tx.AppendReceipt(ctx, Receipt{
			ID:             id,
			IdempotencyKey: op.key,
			UserID:         op.user,
			Kind:           op.kind,
			Outcomes:       outcomes,
			PointsDelta:    credit + op.bonus - cost,
			BonusPoints:    op.bonus,
			CreatedAt:      e.timestamp(),
		})
		if err != nil {
			return err
		}
		if err := tx.CloseIntent(ctx, id); err != nil {
			return err
		}

		bal, err := tx.Balance(ctx, op.user)
		if err != nil {
			return err
		}
		if bal.Points < 0 {
			return &InvariantViolationError{Subject: "balance", ID: string(op.user), Value: int64(bal.Points)}
		}

		res = &Result{Receipt: receipt, Balance: bal.Points, Outcomes: receipt.Outcomes}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) replay(ctx context.Context, log logrus.FieldLogger, op operation, prior *Receipt) (*Result, error) {
	if prior.Kind != op.kind {
		return nil, e.fail(log, ErrIdempotencyKeyConflict)
	}
	bal, err := e.store.Balance(ctx, op.user)
	if err != nil {
		return nil, e.fail(log, err)
	}
	log.Debug("replayed prior receipt")
	return &Result{Receipt: *prior, Balance: bal.Points, Outcomes: prior.Outcomes, Replayed: true}, nil
}

// withRetry reruns fn while the store reports contention.
func (e *Engine) withRetry(ctx context.Context, log logrus.FieldLogger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt == e.cfg.MaxAttempts {
			return err
		}
		log.WithError(err).WithField("attempt", attempt).Debug("scope contended, retrying")

		timer := time.NewTimer(time.Duration(attempt) * e.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// fail logs err at a level matching its category and returns it unchanged.
func (e *Engine) fail(log logrus.FieldLogger, err error) error {
	switch {
	case errors.Is(err, ErrInvariantViolation):
		log.WithError(err).Error("invariant violation detected, transaction refused")
	case errors.Is(err, ErrPersistenceUnavailable):
		log.WithError(err).Error("store unavailable")
	case IsClientError(err), IsNotFound(err):
		log.WithError(err).Warn("transaction rejected")
	default:
		log.WithError(err).Error("transaction failed")
	}
	return err
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// =============================================================================
// TRANSACTION IDS
// =============================================================================

var receiptNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:reward-engine:receipt"))

// transactionID derives a stable ID from (user, key), or a random one when
// the caller supplied no key.
func transactionID(user UserID, key string) TransactionID {
	if key == "" {
		return TransactionID(uuid.New().String())
	}
	return TransactionID(uuid.NewSHA1(receiptNamespace, []byte(string(user)+"\x00"+key)).String())
}
