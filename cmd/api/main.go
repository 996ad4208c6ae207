package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	_ "marketplace/docs"
	"marketplace/pkg/cart"
	"marketplace/pkg/config"
	"marketplace/pkg/kv"
	"marketplace/pkg/kv/memory"
	pg "marketplace/pkg/kv/postgres"
	rediskv "marketplace/pkg/kv/redis"
	"marketplace/pkg/logger"
	"marketplace/pkg/metrics"
	"marketplace/pkg/otel"
	"marketplace/pkg/shutdown"
)

var (
	log         *logger.Logger
	tracer      trace.Tracer
	httpMetrics *metrics.HTTPMetrics
)

// @title Marketplace Cart API
// @version 1.0
// @description Cart state for the marketplace storefront
// @host localhost:8443
// @BasePath /
func main() {
	cfg := config.Load()
	log = logger.New(os.Stdout, logger.ParseLevel(cfg.Level()), "marketplace", otel.GetTraceID).
		With("env", cfg.AppEnv)
	defer log.Sync()

	if err := run(cfg); err != nil {
		log.Error(context.Background(), "startup", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, cancel := shutdown.WithSignals(context.Background(), log)
	defer cancel()

	tp, shutdownTracing, err := otel.InitTracing(log, otel.Config{
		ServiceName: "marketplace",
		Host:        cfg.OTELHost,
		Probability: cfg.TraceProbability,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())
	tracer = tp.Tracer("marketplace")

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.KVBackend, err)
	}
	defer closeBackend()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics = metrics.NewHTTPMetrics(reg)

	store := cart.New(backend, cfg.CartKey,
		cart.WithLogger(log.With("component", "cart")),
		cart.WithMetrics(metrics.NewCartMetrics(reg)),
		cart.WithRetry(cart.RetryPolicy{
			MaxTries:        cfg.PersistMaxTries,
			InitialInterval: cfg.PersistInitialBackoff,
			MaxInterval:     cfg.PersistMaxBackoff,
		}),
	)
	if err := store.Hydrate(ctx); err != nil {
		store.Close(context.Background())
		return err
	}
	go reportPersistErrors(store)

	srv := newServer(cfg.HTTPAddr, newRouter(store, backend, reg))

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", "addr", cfg.HTTPAddr, "backend", cfg.KVBackend, "tls", cfg.TLSCert != "")
		if cfg.TLSCert != "" {
			serveErr <- srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			return
		}
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown requested", "cause", context.Cause(ctx).Error())
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			store.Close(context.Background())
			return fmt.Errorf("server closed: %w", err)
		}
	}

	if err := gracefulStop(srv, store, cfg.ShutdownTimeout); err != nil {
		log.Error(context.Background(), "shutdown", "error", err)
	}
	return nil
}

// newServer builds the API server. Request contexts are cancelled as soon
// as Shutdown starts so open event streams return instead of holding the
// connection until the shutdown deadline.
func newServer(addr string, h http.Handler) *http.Server {
	base, endRequests := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(endRequests)
	return srv
}

// gracefulStop drains the server, then closes the store. Each phase gets
// its own timeout so a slow drain cannot starve the final cart write.
func gracefulStop(srv *http.Server, store *cart.Store, timeout time.Duration) error {
	var errs []error

	httpCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	storeCtx, cancelStore := context.WithTimeout(context.Background(), timeout)
	defer cancelStore()
	if err := store.Close(storeCtx); err != nil {
		errs = append(errs, fmt.Errorf("final cart write: %w", err))
	}

	return errors.Join(errs...)
}

// openBackend returns the configured kv.Store and a func releasing it.
func openBackend(ctx context.Context, cfg config.Config) (kv.Store, func(), error) {
	switch cfg.KVBackend {
	case config.BackendMemory:
		return memory.New(), func() {}, nil

	case config.BackendRedis:
		client, err := rediskv.NewClient(cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		s := rediskv.New(client)
		if err := s.WaitReady(ctx, cfg.PersistMaxTries); err != nil {
			client.Close()
			return nil, nil, err
		}
		return s, func() { client.Close() }, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if _, err := db.ExecContext(ctx, pg.Schema); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("create table: %w", err)
		}
		return pg.New(db), func() { db.Close() }, nil
	}

	return nil, nil, fmt.Errorf("unknown KV_BACKEND %q", cfg.KVBackend)
}

// reportPersistErrors surfaces abandoned writes until the store closes.
func reportPersistErrors(store *cart.Store) {
	for err := range store.Errors() {
		log.Error(context.Background(), "cart persistence failed", "error", err)
	}
}
