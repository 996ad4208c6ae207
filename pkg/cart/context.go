package cart

import "context"

type ctxKey struct{}

// NewContext returns a copy of ctx that provides s to FromContext.
func NewContext(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the store provided by ctx. It fails with
// ErrContextUnavailable when no store was provided or the store is closed.
func FromContext(ctx context.Context) (*Store, error) {
	s, ok := ctx.Value(ctxKey{}).(*Store)
	if !ok || s == nil || s.Closed() {
		return nil, ErrContextUnavailable
	}
	return s, nil
}

// MustFromContext is like FromContext but panics. Reaching for the store
// outside its provider is a programming error.
func MustFromContext(ctx context.Context) *Store {
	s, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return s
}
