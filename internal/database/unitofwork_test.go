package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitOfWorkCommitsOnce(t *testing.T) {
	runner, mock := newMockRunner(t)
	expectAttempt(mock, true)

	uow := NewUnitOfWork(runner, nil)

	calls := 0
	result, err := uow.Execute(context.Background(), func(ctx context.Context, tx *sqlx.Tx) (any, error) {
		calls++
		require.NotNil(t, tx, "repositories must receive the shared transaction handle")
		return "committed", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "committed", result)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWorkRollsBackWholeScope(t *testing.T) {
	runner, mock := newMockRunner(t)
	expectAttempt(mock, false)

	uow := NewUnitOfWork(runner, &TxOptions{Retries: 1})

	_, err := uow.Execute(context.Background(), func(ctx context.Context, tx *sqlx.Tx) (any, error) {
		return nil, &pq.Error{Code: "23502", Message: "null value in column"}
	})

	var dbErr *DBError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "23502", dbErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWorkPropagatesClassifiedError(t *testing.T) {
	runner, mock := newMockRunner(t)
	recordSleeps(t)
	expectAttempt(mock, false)
	expectAttempt(mock, false)

	uow := NewUnitOfWork(runner, &TxOptions{Retries: 2})

	attempts := 0
	_, err := uow.Execute(context.Background(), func(ctx context.Context, tx *sqlx.Tx) (any, error) {
		attempts++
		return nil, &pq.Error{Code: "40P01", Message: "deadlock detected"}
	})

	assert.Equal(t, 2, attempts, "retryable failures should use the configured budget")
	var dbErr *DBError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "40P01", dbErr.Code)
}

func TestWithUnitOfWorkConvenience(t *testing.T) {
	runner, mock := newMockRunner(t)
	expectAttempt(mock, true)

	result, err := WithUnitOfWork(context.Background(), runner, func(ctx context.Context, tx *sqlx.Tx) (any, error) {
		return 7, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 7, result)
}

func TestUnitOfWorkReusable(t *testing.T) {
	runner, mock := newMockRunner(t)
	expectAttempt(mock, true)
	expectAttempt(mock, true)

	uow := NewUnitOfWork(runner, nil)

	for i := 0; i < 2; i++ {
		_, err := uow.Execute(context.Background(), func(ctx context.Context, tx *sqlx.Tx) (any, error) {
			return i, nil
		})
		if !errors.Is(err, nil) {
			t.Fatalf("Execute() run %d error = %v", i, err)
		}
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
