package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	httpSwagger "github.com/swaggo/http-swagger"
	gotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"marketplace/pkg/cart"
	"marketplace/pkg/kv"
	"marketplace/pkg/metrics"
	"marketplace/pkg/otel"
)

func newRouter(store *cart.Store, backend kv.Store, reg prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Use(recoverMiddleware, traceMiddleware, metricsMiddleware)

	api := r.PathPrefix("/cart").Subrouter()
	api.Use(cartProvider(store))
	api.HandleFunc("", getCartHandler).Methods(http.MethodGet)
	api.HandleFunc("/items", addItemHandler).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}/increment", incrementHandler).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}/decrement", decrementHandler).Methods(http.MethodPost)
	api.HandleFunc("/events", eventsHandler).Methods(http.MethodGet)

	r.HandleFunc("/healthz", healthHandler(store, backend)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	r.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	return r
}

// getCartHandler returns the current cart.
// @Summary Get cart
// @Produce json
// @Success 200 {array} cart.Item
// @Router /cart [get]
func getCartHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "getCartHandler")
	defer span.End()

	store := cart.MustFromContext(ctx)
	writeJSON(w, http.StatusOK, store.Read())
}

// addItemHandler adds a product to the cart, or bumps its quantity.
// @Summary Add item
// @Accept json
// @Produce json
// @Param item body cart.NewItem true "Product"
// @Success 200 {array} cart.Item
// @Failure 400 {string} string
// @Failure 503 {string} string
// @Router /cart/items [post]
func addItemHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "addItemHandler")
	defer span.End()

	var it cart.NewItem
	if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(it.ID) == "" && strings.TrimSpace(it.Title) != "" {
		it.ID = cart.DeriveID(it.Title)
	}

	store := cart.MustFromContext(ctx)
	st, err := store.AddToCart(ctx, it)
	if err != nil {
		writeCartError(ctx, w, "add item", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// incrementHandler raises the quantity of an item.
// @Summary Increment item
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {array} cart.Item
// @Failure 503 {string} string
// @Router /cart/items/{id}/increment [post]
func incrementHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "incrementHandler")
	defer span.End()

	store := cart.MustFromContext(ctx)
	st, err := store.Increment(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeCartError(ctx, w, "increment item", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// decrementHandler lowers the quantity of an item, never below one.
// @Summary Decrement item
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {array} cart.Item
// @Failure 503 {string} string
// @Router /cart/items/{id}/decrement [post]
func decrementHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "decrementHandler")
	defer span.End()

	store := cart.MustFromContext(ctx)
	st, err := store.Decrement(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeCartError(ctx, w, "decrement item", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// eventsHandler streams cart snapshots as server-sent events.
// @Summary Stream cart
// @Produce text/event-stream
// @Success 200 {array} cart.Item
// @Router /cart/events [get]
func eventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	store := cart.MustFromContext(ctx)
	updates, cancel := store.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, store.Read()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, st); err != nil {
				log.Debug(ctx, "event stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// healthHandler reports whether the cart is ready and storage answers.
// @Summary Health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /healthz [get]
func healthHandler(store *cart.Store, backend kv.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.AddSpan(r.Context(), "healthHandler")
		defer span.End()

		if !store.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		if p, ok := backend.(kv.Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				log.Warn(ctx, "storage ping failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "storage unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// cartProvider attaches the store to every request context.
func cartProvider(store *cart.Store) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(cart.NewContext(r.Context(), store)))
		})
	}
}

func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := gotel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = otel.InjectTracing(ctx, tracer)
		ctx, span := otel.AddSpan(ctx, r.Method+" "+routeName(r),
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeName(r)
		httpMetrics.Requests.WithLabelValues(route, fmt.Sprint(rec.status)).Inc()
		httpMetrics.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}

// recoverMiddleware turns handler panics, such as a missing cart
// provider, into 500 responses.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				if rv == http.ErrAbortHandler {
					panic(rv)
				}
				log.Error(r.Context(), "handler panic", "panic", fmt.Sprint(rv), "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeCartError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, cart.ErrInvalidItem):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, cart.ErrNotReady), errors.Is(err, cart.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Error(ctx, op, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeEvent(w http.ResponseWriter, st cart.State) error {
	data, err := st.Encode()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: cart\ndata: %s\n\n", data)
	return err
}
