package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/roach88/subathon/internal/config"
	"github.com/roach88/subathon/internal/currency"
	"github.com/roach88/subathon/internal/ir"
	"github.com/roach88/subathon/internal/store"
	"github.com/roach88/subathon/internal/values"
)

// Sentinels re-exported so callers need not import store.
var (
	ErrRunNotFound    = store.ErrRunNotFound
	ErrRecordNotFound = store.ErrRecordNotFound
	ErrNoActiveRun    = store.ErrNoActiveRun
)

// Engine applies normalized events and operator commands to subathon runs.
//
// Thread-safety model:
//   - Process, Reverse, Advance: safe from any goroutine; calls for the
//     same run are serialized by a per-run mutex
//   - Enqueue: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// Value Table lookups and currency conversion happen before the run mutex
// is taken, so a slow rate source never blocks other events for the run.
type Engine struct {
	store  *store.Store
	values *values.Table
	rates  currency.Normalizer
	hype   config.HypeTrain
	dedup  time.Duration
	clock  clockwork.Clock
	ids    IDGenerator
	logger *slog.Logger
	hub    *Hub
	extra  []Notifier
	notify notifiers
	locks  *runLocks
	queue  *intakeQueue
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall clock. Tests pass a clockwork fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the generator for record and run IDs.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithNotifier registers an additional notifier after the built-in hub.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.extra = append(e.extra, n)
	}
}

// WithDedupWindow overrides the configured engagement dedup window.
// Zero disables engagement dedup.
func WithDedupWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.dedup = d
	}
}

// New creates an Engine over s. The hype train settings and engagement
// dedup window come from cfg; vt prices valued events and rates converts
// money into the run currency.
func New(s *store.Store, cfg *config.Config, vt *values.Table, rates currency.Normalizer, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		values: vt,
		rates:  rates,
		hype:   cfg.HypeTrain,
		dedup:  cfg.DedupWindow(),
		clock:  clockwork.NewRealClock(),
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
		locks:  newRunLocks(),
		queue:  newIntakeQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.hub = NewHub(e.logger)
	e.notify = append(notifiers{e.hub}, e.extra...)
	return e
}

// Hub returns the engine-owned notification hub.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// now returns the engine clock truncated to the store's millisecond precision.
func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Millisecond)
}

// RunOptions configures a new run.
type RunOptions struct {
	// ID is the run identifier; a UUIDv7 is generated when empty.
	ID string

	// Currency is the ISO 4217 code money totals are kept in.
	Currency string

	// Budget is the time on the clock when the run starts.
	Budget time.Duration

	// Reversed makes valued events take time off the clock.
	Reversed bool
}

// StartRun creates a new active run, superseding any previous one.
func (e *Engine) StartRun(ctx context.Context, opts RunOptions) (ir.SubathonState, error) {
	code := currency.NormalizeCode(opts.Currency)
	if !currency.IsISOCode(code) {
		return ir.SubathonState{}, fmt.Errorf("start run: invalid currency %q", opts.Currency)
	}
	if opts.Budget < 0 {
		return ir.SubathonState{}, fmt.Errorf("start run: negative budget %s", opts.Budget)
	}

	id := opts.ID
	if id == "" {
		id = e.ids.Generate()
	}
	now := e.now()
	ms := opts.Budget.Milliseconds()
	st := ir.SubathonState{
		ID:                  id,
		Active:              true,
		IsReversed:          opts.Reversed,
		MillisecondsBudget:  ms,
		MillisecondsInitial: ms,
		CurrencyCode:        code,
		MoneyTotal:          decimal.Zero,
		Multiplier:          ir.NoMultiplier(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := e.store.CreateRun(ctx, st); err != nil {
		return ir.SubathonState{}, commitError(id, "", err)
	}

	e.logger.Info("run started",
		"event", "run_started",
		"run", id,
		"currency", code,
		"budget", opts.Budget,
		"reversed", opts.Reversed,
	)
	e.notify.StateChanged(st, now)
	return st, nil
}

// ProcessActive applies rec to the active run.
func (e *Engine) ProcessActive(ctx context.Context, rec ir.EventRecord) (Outcome, error) {
	runID, err := e.store.ActiveRunID(ctx)
	if errors.Is(err, store.ErrNoActiveRun) {
		now := e.now()
		return e.finish(rejected(e.stamp(rec, "", now), ReasonNoActiveRun), now), nil
	}
	if err != nil {
		return Outcome{}, readError("", rec.ID, err)
	}
	return e.Process(ctx, runID, rec)
}

// Process applies rec to the run exactly once.
//
// Gates run in order: idempotency (record ID), engagement dedup for
// sub-like kinds, then the lock gate. Accepted records change state and
// are persisted in one transaction. The only error is *PersistenceError;
// everything else is reported through the Outcome.
func (e *Engine) Process(ctx context.Context, runID string, rec ir.EventRecord) (Outcome, error) {
	now := e.now()
	rec = e.stamp(rec, runID, now)

	if !rec.Kind.Valid() {
		return e.finish(rejected(rec, ReasonUnknownKind), now), nil
	}

	run, err := e.store.ReadState(ctx, runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return e.finish(rejected(rec, ReasonRunNotFound), now), nil
	}
	if err != nil {
		return Outcome{}, readError(runID, rec.ID, err)
	}

	p := e.prepare(ctx, run.CurrencyCode, rec)

	unlock := e.locks.lock(runID)
	out, err := e.apply(ctx, runID, p, now)
	unlock()
	if err != nil {
		e.logger.Error("event processing failed",
			"event", "process_failed",
			"run", runID,
			"id", rec.ID,
			"kind", rec.Kind,
			"error", err,
		)
		return Outcome{}, err
	}
	return e.finish(out, now), nil
}

// stamp fills the fields the engine owns before any gate runs.
func (e *Engine) stamp(rec ir.EventRecord, runID string, now time.Time) ir.EventRecord {
	if rec.ID == "" {
		rec.ID = e.ids.Generate()
	}
	rec.RunID = runID
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = now
	}
	rec.OccurredAt = rec.OccurredAt.UTC().Truncate(time.Millisecond)
	rec.AppliedAt = now
	rec.AppliedToState = false
	rec.Seq = 0
	return rec
}

// prepared carries the work done outside the run lock. A non-empty reason
// is reported only after the duplicate and lock gates pass.
type prepared struct {
	rec    ir.EventRecord
	money  decimal.Decimal
	value  values.Value
	reason RejectReason
}

func (e *Engine) prepare(ctx context.Context, runCurrency string, rec ir.EventRecord) prepared {
	p := prepared{rec: rec}
	info, _ := rec.Kind.Info()

	switch {
	case rec.Kind == ir.KindCommand || rec.Kind == ir.KindAdjustment:
		if !rec.CommandType.Valid() {
			p.reason = ReasonUnknownKind
			return p
		}
		money := isMoneyCommand(rec.CommandType)
		if rec.Kind == ir.KindAdjustment && !money {
			p.reason = ReasonInvalidValue
			return p
		}
		if money {
			p.money, p.reason = e.convert(ctx, rec, runCurrency)
		}

	case info.Valued:
		if info.Currency {
			p.money, p.reason = e.convert(ctx, rec, runCurrency)
			if p.reason != ReasonNone {
				return p
			}
		}
		tier := ""
		if info.Tiered {
			tier = strings.TrimSpace(rec.RawValue)
		}
		v, ok := e.values.Lookup(rec.Kind, tier)
		if !ok {
			p.reason = ReasonNoValue
			return p
		}
		p.value = v
	}
	return p
}

// convert turns the record's amount into the run currency.
func (e *Engine) convert(ctx context.Context, rec ir.EventRecord, to string) (decimal.Decimal, RejectReason) {
	amount, err := currency.ParseAmount(rec.RawValue)
	if err != nil {
		return decimal.Zero, ReasonInvalidValue
	}
	from := currency.NormalizeCode(rec.CurrencyCode)
	if from == "" {
		from = to
	}
	converted, err := e.rates.Convert(ctx, amount, from, to)
	if err != nil {
		e.logger.Warn("currency conversion failed",
			"event", "conversion_failed",
			"id", rec.ID,
			"amount", amount.String(),
			"from", from,
			"to", to,
			"error", err,
		)
		return decimal.Zero, ReasonConversion
	}
	return converted, ReasonNone
}

// errLostInsert rolls back a state write whose record insert lost a race
// with another writer on the same database.
var errLostInsert = errors.New("record already inserted")

// apply runs the gates and the effect inside one transaction.
// The caller holds the run lock.
func (e *Engine) apply(ctx context.Context, runID string, p prepared, now time.Time) (Outcome, error) {
	rec := p.rec
	var out Outcome

	// Once the transaction starts it runs to completion.
	err := e.store.WithTx(context.WithoutCancel(ctx), func(tx *store.Tx) error {
		seen, err := tx.HasRecord(rec.ID)
		if err != nil {
			return err
		}
		if seen {
			out = duplicate(rec, ReasonDuplicateID)
			return nil
		}

		if info, _ := rec.Kind.Info(); info.SubLike {
			key, err := ir.EngagementKey(runID, rec.Kind, rec.User, rec.RawValue)
			if err != nil {
				return err
			}
			rec.EngagementKey = key
			if e.dedup > 0 {
				seen, err := tx.EngagementSeen(runID, key, now.Add(-e.dedup))
				if err != nil {
					return err
				}
				if seen {
					out = duplicate(rec, ReasonDuplicateEngagement)
					return nil
				}
			}
		}

		st, err := tx.State(runID)
		if err != nil {
			return err
		}
		if st.Multiplier.Expired(now) {
			st.Multiplier = ir.NoMultiplier()
		}

		if st.IsLocked && !rec.Kind.BypassesLock() {
			out = rejected(rec, ReasonLocked)
			return nil
		}
		if p.reason != ReasonNone {
			out = rejected(rec, p.reason)
			return nil
		}

		rec.MultiplierFactor = 1
		if reason := e.effect(&st, &rec, p, now); reason != ReasonNone {
			out = rejected(rec, reason)
			return nil
		}

		seq, err := tx.NextSeq()
		if err != nil {
			return err
		}
		rec.Seq = seq
		rec.AppliedToState = true
		st.UpdatedAt = now

		if err := tx.PutState(st); err != nil {
			return err
		}
		inserted, err := tx.InsertRecord(rec)
		if err != nil {
			return err
		}
		if !inserted {
			out = duplicate(p.rec, ReasonDuplicateID)
			return errLostInsert
		}

		out = Outcome{Applied: true, Record: rec, State: st}
		return nil
	})
	if errors.Is(err, errLostInsert) {
		return out, nil
	}
	if err != nil {
		return Outcome{}, commitError(runID, rec.ID, err)
	}
	return out, nil
}

// finish logs the outcome and notifies subscribers. Duplicates are silent.
func (e *Engine) finish(out Outcome, now time.Time) Outcome {
	rec := out.Record
	switch {
	case out.Applied:
		e.logger.Info("event applied",
			"event", "event_applied",
			"run", rec.RunID,
			"id", rec.ID,
			"seq", rec.Seq,
			"kind", rec.Kind,
			"command", rec.CommandType,
			"ms", rec.MillisecondsApplied,
			"points", rec.PointsApplied,
			"money", rec.MoneyApplied.String(),
		)
		e.notify.StateChanged(out.State, now)
		e.notify.EventApplied(rec, true)

	case out.Duplicate:
		e.logger.Debug("duplicate event skipped",
			"event", "event_duplicate",
			"run", rec.RunID,
			"id", rec.ID,
			"reason", out.Reason,
		)

	default:
		e.logger.Info("event rejected",
			"event", "event_rejected",
			"run", rec.RunID,
			"id", rec.ID,
			"kind", rec.Kind,
			"reason", out.Reason,
		)
		e.notify.EventApplied(rec, false)
	}
	return out
}

// Enqueue submits a record for the Run loop.
// Thread-safe: may be called from any goroutine.
//
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(s Submission) bool {
	return e.queue.Enqueue(s)
}

// Run drains the intake queue until ctx is cancelled or Stop is called and
// the queue is empty.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// A failed submission is logged and processing continues. Nothing of a failed
// commit is persisted, so redelivering the same record later is safe.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")

	for {
		s, ok := e.queue.TryDequeue()
		if ok {
			e.submit(ctx, s)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed with the queue.
			if e.queue.closedAndEmpty() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the intake queue. Run returns once the queue is drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) submit(ctx context.Context, s Submission) {
	var err error
	if s.RunID == "" {
		_, err = e.ProcessActive(ctx, s.Record)
	} else {
		_, err = e.Process(ctx, s.RunID, s.Record)
	}
	if err != nil {
		e.logger.Error("submission failed",
			"event", "submission_failed",
			"run", s.RunID,
			"id", s.Record.ID,
			"kind", s.Record.Kind,
			"error", err,
		)
	}
}
