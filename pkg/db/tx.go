package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"
)

// TxOptions bounds how often and how long a transaction may be attempted.
type TxOptions struct {
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
	Timeout    time.Duration
	// OnRetry is called before each retry with the attempt number (1-based) and the conflict.
	OnRetry func(attempt int, err error)
}

func DefaultTxOptions() TxOptions {
	return TxOptions{
		MaxRetries: 3,
		RetryBase:  20 * time.Millisecond,
		RetryMax:   250 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

// RunInTx runs fn inside a transaction and re-runs the whole transaction on conflict
// with exponential backoff and jitter. Non-conflict errors are returned immediately.
// When the retries are exhausted the error wraps both ErrRetryable and the last conflict.
func RunInTx(ctx context.Context, conn *gorm.DB, opts TxOptions, fn func(tx *gorm.DB) error) error {
	if conn == nil {
		return errors.New("db: nil connection")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	policy := backoff.NewExponentialBackOff()
	if opts.RetryBase > 0 {
		policy.InitialInterval = opts.RetryBase
	}
	if opts.RetryMax > 0 {
		policy.MaxInterval = opts.RetryMax
	}
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.5

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		attemptCtx := ctx
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		err := conn.WithContext(attemptCtx).Transaction(fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsConflictErr(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if attempt <= opts.MaxRetries && opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(opts.MaxRetries+1)),
	)
	if err == nil {
		return nil
	}
	if IsConflictErr(err) {
		return errors.Join(ErrRetryable, err)
	}
	return err
}
