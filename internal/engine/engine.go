// Package engine executes migration plans against a database, one committed
// step at a time, under the database-scoped migration lock.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/revmigrate/internal/graph"
	"github.com/example/revmigrate/internal/logging"
	"github.com/example/revmigrate/internal/metrics"
	"github.com/example/revmigrate/internal/persistence"
	"github.com/example/revmigrate/internal/resolver"
	"github.com/example/revmigrate/internal/revision"
	"github.com/example/revmigrate/internal/state"
)

// StepStatus is the outcome of one step.
type StepStatus int

const (
	// Planned marks a step reported by a dry run.
	Planned StepStatus = iota + 1
	Succeeded
	Failed
)

func (s StepStatus) String() string {
	switch s {
	case Planned:
		return metrics.OutcomePlanned
	case Succeeded:
		return metrics.OutcomeSucceeded
	case Failed:
		return metrics.OutcomeFailed
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StepResult describes one executed or planned step.
type StepResult struct {
	Step     resolver.Step
	Status   StepStatus
	Err      error
	Duration time.Duration
}

// Report is the structured result of applying a plan.
type Report struct {
	Plan    resolver.Plan
	Results []StepResult
	DryRun  bool
}

// Completed returns the number of committed steps.
func (r Report) Completed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == Succeeded {
			n++
		}
	}
	return n
}

// Options controls plan execution.
type Options struct {
	// DryRun reports the plan without invoking procedures, taking the lock
	// or touching state.
	DryRun bool
}

// Engine applies plans. It is safe to reuse across runs.
type Engine struct {
	db      *sql.DB
	tracker state.Tracker
	locker  state.Locker
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the base logger. A logger carried on the context wins.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records run metrics on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithClock overrides the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an engine over db. tracker and locker must address the same
// database.
func New(db *sql.DB, tracker state.Tracker, locker state.Locker, opts ...Option) *Engine {
	e := &Engine{
		db:      db,
		tracker: tracker,
		locker:  locker,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session holds the migration lock for a sequence of resolve and apply calls.
type Session struct {
	engine *Engine
	lock   state.Lock
}

// Open acquires the migration lock and prepares the state table. Contention
// fails at once with a *state.LockError and nothing is modified.
func (e *Engine) Open(ctx context.Context) (*Session, error) {
	logger := logging.Component(ctx, e.logger, "engine", "open")

	lock, err := e.locker.Acquire(ctx)
	if err != nil {
		if errors.Is(err, state.ErrLocked) {
			e.metrics.ObserveLockContention()
			logger.Warn("migration lock is held", "error", err)
		}
		return nil, err
	}

	if err := e.tracker.Ensure(ctx); err != nil {
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			logger.Error("failed to release migration lock", "error", relErr)
		}
		return nil, err
	}

	logger.Debug("migration lock acquired", "owner", lock.Owner())
	return &Session{engine: e, lock: lock}, nil
}

// State returns the applied revision ids.
func (s *Session) State(ctx context.Context) ([]string, error) {
	if s.lock == nil {
		return nil, ErrSessionClosed
	}
	return s.engine.tracker.Read(ctx)
}

// Resolve plans the move from the current state to targets.
func (s *Session) Resolve(ctx context.Context, g *graph.Graph, targets ...string) (resolver.Plan, error) {
	current, err := s.State(ctx)
	if err != nil {
		return resolver.Plan{}, err
	}
	return s.engine.resolve(ctx, g, current, targets)
}

// Apply executes plan step by step. On failure the report holds the results
// up to and including the failed step, and the error is a *StepFailure.
func (s *Session) Apply(ctx context.Context, plan resolver.Plan, opts Options) (Report, error) {
	if s.lock == nil {
		return Report{Plan: plan, DryRun: opts.DryRun}, ErrSessionClosed
	}
	return s.engine.execute(ctx, plan, opts)
}

// Close releases the lock. It runs even when ctx is already cancelled and is
// safe to call twice.
func (s *Session) Close(ctx context.Context) error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.Release(context.WithoutCancel(ctx))
	s.lock = nil
	return err
}

// Plan resolves targets against the current state without taking the lock.
func (e *Engine) Plan(ctx context.Context, g *graph.Graph, targets ...string) (resolver.Plan, error) {
	current, err := e.tracker.Read(ctx)
	if err != nil {
		return resolver.Plan{}, err
	}
	return e.resolve(ctx, g, current, targets)
}

// Migrate opens a session, resolves targets, applies the plan and closes
// the session. A dry run only resolves.
func (e *Engine) Migrate(ctx context.Context, g *graph.Graph, opts Options, targets ...string) (report Report, err error) {
	if opts.DryRun {
		plan, planErr := e.Plan(ctx, g, targets...)
		if planErr != nil {
			return Report{DryRun: true}, planErr
		}
		return e.execute(ctx, plan, opts)
	}

	session, err := e.Open(ctx)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("release migration lock: %w", cerr))
		}
	}()

	plan, err := session.Resolve(ctx, g, targets...)
	if err != nil {
		return Report{}, err
	}
	return session.Apply(ctx, plan, opts)
}

func (e *Engine) resolve(ctx context.Context, g *graph.Graph, current, targets []string) (resolver.Plan, error) {
	logger := logging.Component(ctx, e.logger, "engine", "resolve", "targets", targets)

	plan, err := resolver.ResolveAll(g, current, targets)
	if err != nil {
		logger.Warn("resolution failed", "error", err)
		return resolver.Plan{}, err
	}

	upgrades, downgrades := plan.Count(revision.Upgrade), plan.Count(revision.Downgrade)
	e.metrics.ObservePlan(upgrades, downgrades)
	logger.Info("plan resolved", "upgrades", upgrades, "downgrades", downgrades, "join_points", plan.JoinPoints)
	return plan, nil
}

func (e *Engine) execute(ctx context.Context, plan resolver.Plan, opts Options) (Report, error) {
	report := Report{Plan: plan, DryRun: opts.DryRun}
	logger := logging.Component(ctx, e.logger, "engine", "apply", "steps", len(plan.Steps), "dry_run", opts.DryRun)

	if plan.Empty() {
		if !opts.DryRun {
			e.metrics.ObserveRun(e.now())
		}
		logger.Info("database is already at target")
		return report, nil
	}

	if opts.DryRun {
		for _, step := range plan.Steps {
			report.Results = append(report.Results, StepResult{Step: step, Status: Planned})
			e.metrics.ObserveStep(step.Direction.String(), metrics.OutcomePlanned, 0)
			logger.Info("planned step", "revision", step.Revision.ID, "direction", step.Direction.String())
		}
		return report, nil
	}

	start := time.Now()
	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			logger.Warn("migration interrupted", "completed", i, "remaining", len(plan.Steps)-i)
			return report, fmt.Errorf("%w after %d of %d steps: %w", ErrInterrupted, i, len(plan.Steps), err)
		}

		result := e.step(ctx, step, logger)
		report.Results = append(report.Results, result)
		if result.Err != nil {
			return report, result.Err
		}
	}

	e.metrics.ObserveRun(e.now())
	logger.Info("migration complete", "duration", time.Since(start))
	return report, nil
}

// step runs one procedure and its state update in a single transaction. The
// transaction is detached from cancellation so an interrupt never splits a
// step; cancellation is honoured between steps.
func (e *Engine) step(ctx context.Context, step resolver.Step, logger *slog.Logger) StepResult {
	stepCtx := context.WithoutCancel(ctx)
	logger = logger.With("revision", step.Revision.ID, "direction", step.Direction.String())
	logger.Info("step started")

	start := time.Now()
	err := persistence.WithTransaction(stepCtx, e.db, func(tx *sql.Tx) error {
		if step.Revision.Procedure != nil {
			if err := step.Revision.Procedure.Apply(stepCtx, tx, step.Direction); err != nil {
				return err
			}
		}
		if step.Direction == revision.Downgrade {
			return e.tracker.Exclude(stepCtx, tx, step.Revision.ID)
		}
		return e.tracker.Include(stepCtx, tx, step.Revision)
	})
	duration := time.Since(start)

	if err != nil {
		failure := &StepFailure{Revision: step.Revision.ID, Direction: step.Direction, Err: err}
		e.metrics.ObserveStep(step.Direction.String(), metrics.OutcomeFailed, duration)
		logger.Error("step failed", "error", err, "duration", duration)
		return StepResult{Step: step, Status: Failed, Err: failure, Duration: duration}
	}

	e.metrics.ObserveStep(step.Direction.String(), metrics.OutcomeSucceeded, duration)
	logger.Info("step committed", "duration", duration)
	return StepResult{Step: step, Status: Succeeded, Duration: duration}
}
