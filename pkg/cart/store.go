package cart

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"marketplace/pkg/kv"
	"marketplace/pkg/logger"
	"marketplace/pkg/metrics"
	"marketplace/pkg/otel"
)

type status int

const (
	statusPending status = iota
	statusReady
	statusClosed
)

// errBuffer is how many unread persistence failures Errors keeps.
const errBuffer = 16

// Store owns the authoritative cart. Reads and mutations are synchronous;
// every change is written to the backing kv.Store in the background.
type Store struct {
	log     *logger.Logger
	kv      kv.Store
	key     string
	retry   RetryPolicy
	metrics *metrics.CartMetrics

	mu      sync.RWMutex
	state   State
	status  status
	version uint64
	subs    map[int]chan State
	nextSub int

	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	flushReq chan chan error
	stop     chan struct{}
	done     chan struct{}
	errs     chan error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics records store activity on m.
func WithMetrics(m *metrics.CartMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithRetry sets the retry policy for storage reads and writes.
func WithRetry(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// New creates an empty store persisting under key and starts its writer.
// The store refuses mutations until Hydrate or SkipHydration is called.
func New(store kv.Store, key string, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		log:      logger.New(io.Discard, logger.LevelError, "cart", nil),
		kv:       store,
		key:      key,
		retry:    DefaultRetryPolicy,
		state:    State{},
		subs:     make(map[int]chan State),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		errs:     make(chan error, errBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	return s
}

// Read returns the current snapshot.
func (s *Store) Read() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// AddToCart appends the item with quantity 1, or increments it when an
// entry with the same id already exists. It returns the cart as left by
// this call.
func (s *Store) AddToCart(ctx context.Context, it NewItem) (State, error) {
	ctx, span := otel.AddSpan(ctx, "cart.add", attribute.String("app.product_id", it.ID))
	defer span.End()

	if err := it.Validate(); err != nil {
		s.countMutation("add", "rejected")
		return nil, err
	}
	return s.mutate(ctx, "add", func(st State) (State, bool) { return st.add(it) })
}

// Increment raises the quantity of id by one. Unknown ids are ignored.
func (s *Store) Increment(ctx context.Context, id string) (State, error) {
	ctx, span := otel.AddSpan(ctx, "cart.increment", attribute.String("app.product_id", id))
	defer span.End()

	return s.mutate(ctx, "increment", func(st State) (State, bool) { return st.increment(id) })
}

// Decrement lowers the quantity of id by one. Unknown ids and items at
// quantity 1 are left untouched.
func (s *Store) Decrement(ctx context.Context, id string) (State, error) {
	ctx, span := otel.AddSpan(ctx, "cart.decrement", attribute.String("app.product_id", id))
	defer span.End()

	return s.mutate(ctx, "decrement", func(st State) (State, bool) { return st.decrement(id) })
}

// mutate applies fn under the write lock and returns a copy of the state
// it installed, so callers never observe a later writer's change.
func (s *Store) mutate(ctx context.Context, op string, fn func(State) (State, bool)) (State, error) {
	s.mu.Lock()
	switch s.status {
	case statusPending:
		s.mu.Unlock()
		s.countMutation(op, "rejected")
		return nil, ErrNotReady
	case statusClosed:
		s.mu.Unlock()
		s.countMutation(op, "rejected")
		return nil, ErrClosed
	}

	next, changed := fn(s.state)
	if !changed {
		snap := s.state.Clone()
		s.mu.Unlock()
		s.countMutation(op, "noop")
		s.log.Debug(ctx, "cart unchanged", "op", op)
		return snap, nil
	}

	s.state = next
	s.version++
	version := s.version
	s.publishLocked(next)
	snap := next.Clone()
	s.mu.Unlock()

	s.countMutation(op, "applied")
	s.setItems(len(next))
	s.log.Debug(ctx, "cart changed", "op", op, "version", version, "items", len(next))

	s.schedule()
	return snap, nil
}

// Hydrate loads the persisted cart and marks the store ready. Absent or
// malformed data yields an empty cart. Storage errors that outlast the
// retry policy are returned and leave the store not ready.
func (s *Store) Hydrate(ctx context.Context) error {
	ctx, span := otel.AddSpan(ctx, "cart.hydrate", attribute.String("app.cart_key", s.key))
	defer span.End()

	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	switch st {
	case statusReady:
		return ErrAlreadyHydrated
	case statusClosed:
		return ErrClosed
	}

	var (
		raw   string
		found bool
	)
	_, err := retry(ctx, s.retry, func() (struct{}, error) {
		var err error
		raw, found, err = s.kv.Get(ctx, s.key)
		return struct{}{}, err
	}, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("hydrating cart: %w", err)
	}

	state := State{}
	if found {
		decoded, err := Decode(raw)
		if err != nil {
			s.log.Warn(ctx, "discarding malformed persisted cart", "key", s.key, "error", err)
		} else {
			state = decoded
		}
	}

	s.mu.Lock()
	if st := s.status; st != statusPending {
		s.mu.Unlock()
		if st == statusClosed {
			return ErrClosed
		}
		return ErrAlreadyHydrated
	}
	s.state = state
	s.status = statusReady
	s.publishLocked(state)
	s.mu.Unlock()

	s.setItems(len(state))
	s.log.Info(ctx, "cart hydrated", "key", s.key, "found", found, "items", len(state))
	return nil
}

// SkipHydration marks a pending store ready with an empty cart.
func (s *Store) SkipHydration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == statusPending {
		s.status = statusReady
	}
}

// Ready reports whether the store accepts mutations.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == statusReady
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == statusClosed
}

// Subscribe returns a channel that receives the newest snapshot after each
// change. Slow readers only see the latest snapshot. The channel is closed
// by the returned cancel func or by Close.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == statusClosed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// publishLocked must be called with s.mu held for writing.
func (s *Store) publishLocked(st State) {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st.Clone():
		default:
		}
	}
}

// Errors reports persistence failures that exhausted the retry policy. It
// is closed once the store is closed.
func (s *Store) Errors() <-chan error {
	return s.errs
}

// Close rejects further mutations, flushes the newest state and stops the
// writer. It returns the flush error, if any.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.status == statusClosed {
		s.mu.Unlock()
		return nil
	}
	s.status = statusClosed
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	err := s.Flush(ctx)

	s.cancel()
	close(s.stop)
	<-s.done
	close(s.errs)

	s.log.Info(ctx, "cart store closed", "error", err)
	return err
}

func (s *Store) countMutation(op, result string) {
	if s.metrics != nil {
		s.metrics.Mutations.WithLabelValues(op, result).Inc()
	}
}

func (s *Store) setItems(n int) {
	if s.metrics != nil {
		s.metrics.Items.Set(float64(n))
	}
}
