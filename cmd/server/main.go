// Package main is the entry point for the pennon server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Open the state driver (postgres, redis, or memory) and build the
//     service, eagerly loading the definition index.
//  4. Wire up the API key token validator and auth rate limiter.
//  5. Start the HTTP server and, when configured, the admin portal on the
//     tailnet.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"tailscale.com/tsnet"

	"github.com/pennonhq/pennon/internal/admin"
	"github.com/pennonhq/pennon/internal/config"
	"github.com/pennonhq/pennon/internal/core"
	"github.com/pennonhq/pennon/internal/logging"
	"github.com/pennonhq/pennon/internal/metrics"
	"github.com/pennonhq/pennon/internal/middleware"
	"github.com/pennonhq/pennon/internal/repository"
	"github.com/pennonhq/pennon/internal/server"
	"github.com/pennonhq/pennon/internal/service"
	"github.com/pennonhq/pennon/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	poolStatsInterval     = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	driver, err := service.OpenDriver(ctx, cfg.Driver, repo, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open %s driver: %w", cfg.Driver, err)
	}

	svc, err := service.New(ctx, repo, driver,
		[]service.Option{service.WithResyncInterval(cfg.CacheResyncInterval)},
		core.WithHooks(m.EngineHooks()),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	log.Info("service ready", "driver", cfg.Driver)

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	tokenValidator := &middleware.APIKeyValidator{Lookup: repo}
	apiHandler := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
	)
	httpHandler := newHTTPHandler(apiHandler, m.Handler(), tokenValidator,
		middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
		middleware.WithRateLimiter(rateLimiter),
	)
	httpHandler = middleware.HTTPRequestLogging(log)(httpHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "pennon-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	// Periodically update DB pool gauges. The live collector covers scrapes;
	// these keep the gauges warm for remote-write setups.
	go func() {
		ticker := time.NewTicker(poolStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat := pool.Stat()
				m.SetDBPoolStats(metrics.DBPoolStats{
					Acquired: float64(stat.AcquiredConns()),
					Idle:     float64(stat.IdleConns()),
					Total:    float64(stat.TotalConns()),
				})
			}
		}
	}()

	var tsServer *tsnet.Server
	if cfg.AdminHostname != "" {
		tsServer, err = startAdminPortal(ctx, cfg, repo, svc, log)
		if err != nil {
			return err
		}
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	// Let in-flight event publications drain before the pool closes.
	svc.Wait()

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// startAdminPortal exposes the admin UI on the tailnet only. It never binds a
// public address.
func startAdminPortal(ctx context.Context, cfg config.Config, repo *repository.PostgresRepository, svc *service.Service, log *slog.Logger) (*tsnet.Server, error) {
	if cfg.TSAuthKey == "" {
		return nil, errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
	}

	if err := os.MkdirAll(cfg.TSStateDir, 0700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	tsServer := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...), "component", "tailscale")
		},
	}

	adminLis, err := tsServer.Listen("tcp", ":80")
	if err != nil {
		tsServer.Close()
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}
	log.Info("admin portal listening", "hostname", cfg.AdminHostname, "transport", "tailscale")

	sessionMgr := admin.NewSessionManager(repo, cfg.SessionSecret)
	adminServer := &http.Server{
		Handler:           admin.NewHandler(repo, svc, sessionMgr, cfg.AdminHostname, log),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server shutdown error", "error", err)
		}
	}()
	go func() {
		if err := adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error", "error", err)
		}
	}()

	return tsServer, nil
}

// newHTTPHandler routes /v1/ behind bearer auth and leaves the health and
// metrics endpoints open. Everything else 404s, including paths that only
// match /v1/ after unescaping.
func newHTTPHandler(apiHandler, metricsHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", metricsHandler)

	return mux
}
