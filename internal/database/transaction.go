package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ProcureFlow/data_layer/internal/app/metrics"
	"github.com/ProcureFlow/data_layer/pkg/logger"
)

// TxFunc is a unit of work executed against an open transaction.
type TxFunc func(ctx context.Context, tx *sqlx.Tx) (any, error)

// TxOptions control one WithTransaction call. The zero value of any field
// falls back to the default.
type TxOptions struct {
	// Retries is the total attempt budget.
	Retries int

	// Timeout configures the store-side statement timeout for the
	// transaction. It does not cancel a slow unit of work client-side.
	Timeout time.Duration

	// RetryDelay is the base backoff; the delay before retry k is
	// RetryDelay * 2^k.
	RetryDelay time.Duration

	// Isolation is the transaction isolation level.
	Isolation sql.IsolationLevel

	// Jitter randomizes each backoff delay by ±(Jitter * delay). Zero keeps
	// delays deterministic.
	Jitter float64
}

func defaultTxOptions() TxOptions {
	return TxOptions{
		Retries:    3,
		Timeout:    30 * time.Second,
		RetryDelay: 100 * time.Millisecond,
		Isolation:  sql.LevelReadCommitted,
	}
}

func (o *TxOptions) withDefaults() TxOptions {
	opts := defaultTxOptions()
	if o == nil {
		return opts
	}
	if o.Retries > 0 {
		opts.Retries = o.Retries
	}
	if o.Timeout > 0 {
		opts.Timeout = o.Timeout
	}
	if o.RetryDelay > 0 {
		opts.RetryDelay = o.RetryDelay
	}
	if o.Isolation != sql.LevelDefault {
		opts.Isolation = o.Isolation
	}
	if o.Jitter > 0 {
		opts.Jitter = o.Jitter
	}
	return opts
}

// sleepFn is swapped out by tests to observe backoff delays.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay computes RetryDelay * 2^attempt with optional jitter.
func backoffDelay(base time.Duration, attempt int, jitter float64) time.Duration {
	delay := base << uint(attempt)
	if jitter > 0 {
		offset := float64(delay) * jitter * (rand.Float64()*2 - 1)
		delay += time.Duration(offset)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Runner executes units of work with transactional guarantees, transparent
// retry of transient failures, and nested-scope support via savepoints.
type Runner struct {
	mgr *Manager
	log *logger.Logger
}

// NewRunner builds a runner over the given manager.
func NewRunner(mgr *Manager, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{mgr: mgr, log: log.With("component", "tx_runner")}
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on failure. Classified-transient failures are retried with
// exponential backoff up to the attempt budget; the final error crosses the
// boundary as a *DBError.
func (r *Runner) WithTransaction(ctx context.Context, fn TxFunc, opts *TxOptions) (any, error) {
	o := opts.withDefaults()
	start := time.Now()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < o.Retries; attempt++ {
		attempts++

		result, err := r.runAttempt(ctx, fn, o)
		if err == nil {
			metrics.TransactionCommitted(time.Since(start))
			r.log.Debug("transaction committed",
				"attempts", attempts,
				"duration", time.Since(start),
			)
			return result, nil
		}

		lastErr = err
		if !IsRetryable(err) || attempt == o.Retries-1 {
			break
		}

		delay := backoffDelay(o.RetryDelay, attempt, o.Jitter)
		metrics.TransactionRetried()
		r.log.Warn("transaction attempt failed, retrying",
			"attempt", attempts,
			"max_attempts", o.Retries,
			"delay", delay,
			"error", err,
		)
		if err := sleepFn(ctx, delay); err != nil {
			break
		}
	}

	dbErr := Translate(lastErr)
	metrics.TransactionRolledBack()
	r.log.Error("transaction failed",
		"attempts", attempts,
		"duration", time.Since(start),
		"retryable", IsRetryable(lastErr),
		"code", dbErr.Code,
		"error", lastErr,
	)
	return nil, dbErr
}

// runAttempt performs one begin/execute/commit cycle. The connection is
// released unconditionally, including on failure, so retries never leak.
func (r *Runner) runAttempt(ctx context.Context, fn TxFunc, o TxOptions) (any, error) {
	db := r.mgr.DB()
	if db == nil {
		return nil, ErrNotReady
	}

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: o.Isolation})
	if err != nil {
		r.mgr.recordQuery(err)
		return nil, err
	}

	// Roll back on every non-commit exit, panics in fn included, so an
	// abandoned attempt never leaks its pooled connection.
	committed := false
	defer func() {
		if !committed {
			r.rollback(tx)
		}
	}()

	if o.Timeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", o.Timeout.Milliseconds())); err != nil {
			r.mgr.recordQuery(err)
			return nil, err
		}
	}

	result, err := fn(ctx, tx)
	if err != nil {
		r.mgr.recordQuery(err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		r.mgr.recordQuery(err)
		return nil, err
	}
	committed = true

	r.mgr.recordQuery(nil)
	return result, nil
}

func (r *Runner) rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		r.log.Warn("rollback failed", "error", err)
	}
}

var savepointNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// newSavepointName is swapped out by tests for deterministic SQL.
var newSavepointName = func() string {
	return "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithSavepoint runs fn inside a savepoint on an already-open transaction.
// On success the savepoint is released; on failure the transaction is rolled
// back to the savepoint, leaving the parent scope intact, and the original
// error is rethrown.
func (r *Runner) WithSavepoint(ctx context.Context, tx *sqlx.Tx, fn TxFunc, name ...string) (any, error) {
	sp := newSavepointName()
	if len(name) > 0 && name[0] != "" {
		sp = name[0]
	}
	if !savepointNamePattern.MatchString(sp) {
		return nil, fmt.Errorf("invalid savepoint name %q", sp)
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, fmt.Errorf("create savepoint %s: %w", sp, err)
	}

	result, err := fn(ctx, tx)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			r.log.Warn("rollback to savepoint failed", "savepoint", sp, "error", rbErr)
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return nil, fmt.Errorf("release savepoint %s: %w", sp, err)
	}
	return result, nil
}

// WithBatchTransaction runs independent units of work sequentially inside a
// single transaction, collecting ordered results. Any failure aborts the
// whole batch.
func (r *Runner) WithBatchTransaction(ctx context.Context, fns []TxFunc, opts *TxOptions) ([]any, error) {
	raw, err := r.WithTransaction(ctx, func(ctx context.Context, tx *sqlx.Tx) (any, error) {
		results := make([]any, 0, len(fns))
		for i, fn := range fns {
			v, err := fn(ctx, tx)
			if err != nil {
				return nil, fmt.Errorf("batch operation %d: %w", i, err)
			}
			results = append(results, v)
		}
		return results, nil
	}, opts)
	if err != nil {
		return nil, err
	}
	return raw.([]any), nil
}
