package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"marketplace/pkg/logger"
)

// syncBuffer guards the buffer written by the signal goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestWithSignalsCancelsOnSIGTERM(t *testing.T) {
	var out syncBuffer
	ctx, cancel := WithSignals(context.Background(), logger.New(&out, logger.LevelInfo, "test", nil))
	defer cancel()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
	if cause := context.Cause(ctx); !errors.Is(cause, ErrSignal) {
		t.Fatalf("expected ErrSignal cause, got %v", cause)
	}
	if !strings.Contains(out.String(), `"signal":"terminated"`) {
		t.Fatalf("signal not logged: %s", out.String())
	}
}

func TestWithSignalsCancelFunc(t *testing.T) {
	ctx, cancel := WithSignals(context.Background(), logger.New(&syncBuffer{}, logger.LevelInfo, "test", nil))
	cancel()

	<-ctx.Done()
	if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) || errors.Is(cause, ErrSignal) {
		t.Fatalf("unexpected cause %v", cause)
	}
}
