// Package shutdown ties a context to process termination signals.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"marketplace/pkg/logger"
)

// ErrSignal is the cancellation cause of a context ended by a signal.
var ErrSignal = errors.New("termination signal")

// Signals are the signals WithSignals listens for.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// WithSignals returns a context cancelled by the first of Signals. The
// signal is logged and recorded as the context cause, wrapping ErrSignal.
// A second signal is left to the default handler, so it kills the process.
func WithSignals(parent context.Context, log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, Signals...)

	go func() {
		select {
		case sig := <-sigs:
			signal.Stop(sigs)
			log.Info(ctx, "signal received", "signal", sig.String())
			cancel(fmt.Errorf("%w: %s", ErrSignal, sig))
		case <-ctx.Done():
			signal.Stop(sigs)
		}
	}()

	return ctx, func() { cancel(context.Canceled) }
}
