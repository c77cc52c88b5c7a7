package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/flashsale-system/internal/model"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: true},
		{name: "deadlock", err: fmt.Errorf("commit: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "domain error", err: model.ErrInsufficientStock, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestDuplicateError(t *testing.T) {
	err := duplicateError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "sales_title_key"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDuplicateEntity)
	assert.Contains(t, err.Error(), "sales_title_key")

	assert.NoError(t, duplicateError(errors.New("other")))
}

func TestWithRetryStopsOnDomainError(t *testing.T) {
	r := &PostgresRepository{}
	calls := 0

	err := r.withRetry(context.Background(), func() error {
		calls++
		return model.ErrInsufficientStock
	})

	assert.ErrorIs(t, err, model.ErrInsufficientStock)
	assert.Equal(t, 1, calls)
}

func TestWithRetryHonoursContext(t *testing.T) {
	r := &PostgresRepository{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	err := r.withRetry(ctx, func() error {
		calls++
		return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}
