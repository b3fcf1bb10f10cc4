package database

import (
	"context"
)

// UnitOfWork lets multiple repository operations execute inside one shared
// transaction. It holds no state beyond the runner reference and its
// configured options; the mutable state lives in the transaction handle
// threaded through the closure, so instances are safe to construct per call
// site or reuse.
type UnitOfWork struct {
	runner *Runner
	opts   *TxOptions
}

// NewUnitOfWork builds a unit of work over the given runner. opts may be nil
// for the defaults.
func NewUnitOfWork(runner *Runner, opts *TxOptions) *UnitOfWork {
	return &UnitOfWork{runner: runner, opts: opts}
}

// Execute runs fn inside a single transaction, passing the transactional
// handle to every repository call made within it. The transaction commits
// exactly once after fn returns; on any error the whole scope rolls back and
// the classified error propagates.
func (u *UnitOfWork) Execute(ctx context.Context, fn TxFunc) (any, error) {
	return u.runner.WithTransaction(ctx, fn, u.opts)
}

// WithUnitOfWork is a convenience for one-off coordinated writes.
func WithUnitOfWork(ctx context.Context, runner *Runner, fn TxFunc, opts *TxOptions) (any, error) {
	return NewUnitOfWork(runner, opts).Execute(ctx, fn)
}
