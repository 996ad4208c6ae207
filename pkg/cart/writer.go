package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"marketplace/pkg/otel"
)

// RetryPolicy bounds how storage calls are retried.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when no WithRetry option is given.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        5,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

func retry[T any](ctx context.Context, p RetryPolicy, op backoff.Operation[T], notify backoff.Notify) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if p.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxTries))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, op, opts...)
}

// PersistError describes a cart version that could not be written.
type PersistError struct {
	Key      string
	Version  uint64
	Attempts int
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persisting cart %s version %d after %d attempts: %v", e.Key, e.Version, e.Attempts, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// schedule wakes the writer; pending signals coalesce.
func (s *Store) schedule() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until the newest state has been written or ctx is done.
func (s *Store) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.flushReq <- reply:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) run() {
	defer close(s.done)

	var (
		written uint64
		lastErr error
	)
	for {
		select {
		case <-s.wake:
			written, lastErr = s.persist(written)
		case reply := <-s.flushReq:
			written, lastErr = s.persist(written)
			reply <- lastErr
		case <-s.stop:
			return
		}
	}
}

// persist writes the newest state when it is newer than written and
// returns the version now known to be stored.
func (s *Store) persist(written uint64) (uint64, error) {
	s.mu.RLock()
	version, state := s.version, s.state
	s.mu.RUnlock()

	if version == written {
		return written, nil
	}

	ctx, span := otel.AddSpan(s.ctx, "cart.persist",
		attribute.String("app.cart_key", s.key),
		attribute.Int64("app.cart_version", int64(version)),
		attribute.Int("app.cart_items", len(state)),
	)
	defer span.End()

	data, err := state.Encode()
	if err != nil {
		return written, s.fail(ctx, span, &PersistError{Key: s.key, Version: version, Err: err})
	}

	start := time.Now()
	attempts := 0
	_, err = retry(ctx, s.retry, func() (struct{}, error) {
		attempts++
		return struct{}{}, s.kv.Set(ctx, s.key, data)
	}, func(err error, next time.Duration) {
		s.countWrite("retry")
		s.log.Warn(ctx, "cart write failed, retrying", "attempt", attempts, "retry_in", next.String(), "error", err)
	})
	if s.metrics != nil {
		s.metrics.WriteLatencyMS.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}
	if err != nil {
		return written, s.fail(ctx, span, &PersistError{Key: s.key, Version: version, Attempts: attempts, Err: err})
	}

	s.countWrite("ok")
	s.log.Debug(ctx, "cart persisted", "version", version, "attempts", attempts)
	return version, nil
}

func (s *Store) fail(ctx context.Context, span trace.Span, perr *PersistError) error {
	span.RecordError(perr)
	span.SetStatus(codes.Error, "persist failed")
	s.countWrite("failed")
	s.log.Error(ctx, "cart write abandoned", "version", perr.Version, "attempts", perr.Attempts, "error", perr.Err)

	select {
	case s.errs <- perr:
	default:
		s.log.Warn(ctx, "error channel full, dropping persist error", "version", perr.Version)
	}
	return perr
}

func (s *Store) countWrite(result string) {
	if s.metrics != nil {
		s.metrics.Writes.WithLabelValues(result).Inc()
	}
}
