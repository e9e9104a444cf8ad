package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return conn
}

func fastTxOptions() TxOptions {
	return TxOptions{MaxRetries: 3, RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond}
}

func TestRunInTxRetriesConflicts(t *testing.T) {
	conn := setupTestDB(t)

	calls := 0
	retries := 0
	opts := fastTxOptions()
	opts.OnRetry = func(int, error) { retries++ }

	err := RunInTx(context.Background(), conn, opts, func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

func TestRunInTxExhaustedReturnsRetryable(t *testing.T) {
	conn := setupTestDB(t)

	calls := 0
	err := RunInTx(context.Background(), conn, fastTxOptions(), func(tx *gorm.DB) error {
		calls++
		return ErrConflict
	})
	require.ErrorIs(t, err, ErrRetryable)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 4, calls)
}

func TestRunInTxDoesNotRetryOtherErrors(t *testing.T) {
	conn := setupTestDB(t)
	boom := errors.New("boom")

	calls := 0
	err := RunInTx(context.Background(), conn, fastTxOptions(), func(tx *gorm.DB) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrRetryable)
	require.Equal(t, 1, calls)
}

func TestIsConflictErr(t *testing.T) {
	require.True(t, IsConflictErr(ErrConflict))
	require.True(t, IsConflictErr(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.True(t, IsConflictErr(errors.New("Error 1213: Deadlock found")))
	require.False(t, IsConflictErr(errors.New("syntax error")))
	require.False(t, IsConflictErr(nil))
}
