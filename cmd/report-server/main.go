package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/reports/internal/config"
	"github.com/ehr/reports/internal/domain/concept"
	"github.com/ehr/reports/internal/domain/obsperiod"
	"github.com/ehr/reports/internal/domain/reporting"
	"github.com/ehr/reports/internal/platform/auth"
	"github.com/ehr/reports/internal/platform/db"
	"github.com/ehr/reports/internal/platform/middleware"
	"github.com/ehr/reports/internal/platform/query"
	"github.com/ehr/reports/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "report-server",
		Short: "Period observation reporting service",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(evaluateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reporting API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newLogger writes JSON to w, or console output in development.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		ApplicationName:  "report-server",
		StatementTimeout: cfg.RequestTimeout,
	})
}

// conceptDictionary wraps base with the Redis cache when REDIS_URL is set.
// The returned func closes the Redis client.
func conceptDictionary(ctx context.Context, cfg *config.Config, base concept.Dictionary, logger zerolog.Logger) (concept.Dictionary, func()) {
	if cfg.RedisURL == "" {
		return base, func() {}
	}
	client, err := concept.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, concept cache disabled")
		return base, func() {}
	}
	logger.Info().Dur("ttl", cfg.ConceptTTL).Msg("concept cache enabled")
	return concept.NewCachedDictionary(base, client, "reports", cfg.ConceptTTL, logger), func() { client.Close() }
}

func newService(cfg *config.Config, exec query.Executor, dict concept.Dictionary, clock obsperiod.Clock, logger zerolog.Logger) (*obsperiod.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	ev := obsperiod.NewEvaluator(exec, clock, logger)
	ev.ApplyAnchorFilter = cfg.ApplyAnchorFilter
	return obsperiod.NewService(ev, dict, obsperiod.ServiceConfig{
		AnchorConceptCode: cfg.AnchorConceptCode,
		Location:          loc,
		Concurrency:       cfg.EvalConcurrency,
	}, logger), nil
}

// newServer assembles the HTTP API. Health routes sit outside the
// authenticated, tenant-scoped /api/v1 group.
func newServer(cfg *config.Config, pool *pgxpool.Pool, svc *obsperiod.Service, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.HealthHandler(db.NewMigrator(pool, migrations.Files), cfg.DefaultTenant))

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	apiV1 := e.Group("/api/v1", authMW, db.TenantMiddleware(pool, cfg.DefaultTenant))

	obsperiod.NewHandler(svc).RegisterRoutes(apiV1)
	reporting.NewHandler(reporting.NewCatalog(svc)).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	dict, closeDict := conceptDictionary(ctx, cfg, concept.NewRepo(pool), logger)
	defer closeDict()

	svc, err := newService(cfg, query.NewPGExecutor(pool), dict, obsperiod.SystemClock{}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build evaluation service")
	}
	e := newServer(cfg, pool, svc, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Bool("anchor_filter", cfg.ApplyAnchorFilter).
			Int("concurrency", svc.Concurrency()).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
