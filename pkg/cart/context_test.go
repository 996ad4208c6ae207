package cart

import (
	"context"
	"errors"
	"testing"
)

func TestFromContext(t *testing.T) {
	ctx := context.Background()

	if _, err := FromContext(ctx); !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("expected ErrContextUnavailable, got %v", err)
	}

	s := New(newFlakyKV(), testKey)
	ctx = NewContext(ctx, s)
	got, err := FromContext(ctx)
	if err != nil || got != s {
		t.Fatalf("expected provided store, got %v (%v)", got, err)
	}

	s.Close(context.Background())
	if _, err := FromContext(ctx); !errors.Is(err, ErrContextUnavailable) {
		t.Fatalf("closed store must be unavailable, got %v", err)
	}
}

func TestMustFromContextPanics(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrContextUnavailable) {
			t.Fatalf("expected ErrContextUnavailable panic, got %v", r)
		}
	}()
	MustFromContext(context.Background())
}
