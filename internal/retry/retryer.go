// Package retry provides a backoff-based retry loop for operations that may
// return a goorderr.RetryableError.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/bors-rs/bors/internal/goorderr"
	"github.com/bors-rs/bors/internal/logfields"
)

// Retryer executes a function repeatedly until it succeeds, fails with a
// non-retryable error, its per-call timeout expires, or it is stopped.
type Retryer struct {
	logger                 *zap.Logger
	backoffInitialInterval time.Duration
	shutdownChan           chan struct{}
}

func NewRetryer(logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.L()
	}

	return &Retryer{
		logger:                 logger.Named("retryer"),
		backoffInitialInterval: 5 * time.Second,
		shutdownChan:           make(chan struct{}),
	}
}

// Run executes fn until it succeeds, returns an error that does not wrap
// goorderr.RetryableError, timeout elapses, maxTries executions failed
// (0 means unbounded), or the context is cancelled.
func (r *Retryer) Run(ctx context.Context, timeout time.Duration, maxTries uint, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	startTime := time.Now()
	endTime := startTime.Add(timeout)

	retryTimeout := time.NewTimer(timeout)
	defer retryTimeout.Stop()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"retry loop cancelled",
				logfields.Event("retry_cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			logger.Debug(
				"running operation",
				logfields.Event("retry_running"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("timeout", timeout),
			)

			err := fn(ctx)
			if err == nil {
				logger.Info(
					"operation succeeded",
					logfields.Event("retry_succeeded"),
				)

				return nil
			}

			var retryErr *goorderr.RetryableError

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) {
				logger.Error(
					"operation cancelled",
					logfields.Event("retry_operation_cancelled"),
				)

				return err
			}

			if !errors.As(err, &retryErr) {
				logger.Error(
					"operation failed, not retryable",
					logfields.Event("retry_failed_terminal"),
				)

				return err
			}

			if maxTries > 0 && tryCnt >= maxTries {
				logger.Error(
					"operation failed, retry budget exhausted",
					logfields.Event("retry_failed_exhausted"),
					zap.Uint("max_tries", maxTries),
				)

				return err
			}

			if retryErr.After.After(endTime) {
				logger.Error(
					"operation failed, earliest retry is after the timeout",
					logfields.Event("retry_failed_timeout"),
					zap.Time("earliest_allowed_retry", retryErr.After),
				)

				return err
			}

			var retryIn time.Duration

			if retryErr.After.IsZero() {
				retryIn = bo.NextBackOff()
			} else {
				retryIn = time.Until(retryErr.After)
			}

			logger.Warn(
				"operation failed, retry scheduled",
				logfields.Event("retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

			retryTimer.Reset(retryIn)

		case <-retryTimeout.C:
			logger.Warn(
				"giving up, retry timeout expired",
				logfields.Event("retry_timeout_expired"),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Duration("timeout", timeout),
			)

			return errors.New("retry timeout expired")

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, operation not executed",
				logfields.Event("retry_cancelled_shutdown"),
			)

			return errNotExecutedShutdown
		}
	}
}

var errNotExecutedShutdown = errors.New("retryer is shutting down")

// Stop notifies all in-flight Run calls to terminate. It does not wait for
// their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return
	default:
		close(r.shutdownChan)
	}
}
