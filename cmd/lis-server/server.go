package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/config"
	"github.com/lis/lis/internal/domain/laboratory"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/cache"
	"github.com/lis/lis/internal/platform/db"
	"github.com/lis/lis/internal/platform/middleware"
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	e, cleanup, err := buildServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise server")
	}
	defer cleanup()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.DBDriver).Msg("starting server")
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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// stores bundles the persistence side of one configured driver.
type stores struct {
	orders   laboratory.OrderStore
	catalog  laboratory.Catalog
	registry laboratory.Registry
	pinger   db.Pinger
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := laboratory.MigrateSQLite(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
		if err := laboratory.SeedCatalogSQLite(ctx, sqlDB, laboratory.DefaultCatalog...); err != nil {
			sqlDB.Close()
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite database")
		return &stores{
			orders:   laboratory.NewOrderStoreSQLite(sqlDB),
			catalog:  laboratory.NewCatalogSQLite(sqlDB),
			registry: laboratory.NewRegistrySQLite(sqlDB),
			pinger:   db.PingerFromSQL(sqlDB),
			close:    func() { sqlDB.Close() },
		}, nil

	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &stores{
			orders:   laboratory.NewOrderStorePG(pool),
			catalog:  laboratory.NewCatalogPG(pool),
			registry: laboratory.NewRegistryPG(pool),
			pinger:   pool,
			close:    pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
}

// buildServer wires stores, Redis, metrics and routes. The returned cleanup
// releases every connection it opened.
func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*echo.Echo, func(), error) {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){st.close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	labLogger := logger.With().Str("component", "laboratory").Logger()
	catalog := st.catalog
	notifier := laboratory.NopNotifier()
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { rdb.Close() })
		catalog = laboratory.NewCachedCatalog(catalog, rdb, cfg.CatalogCacheTTL, labLogger)
		notifier = laboratory.NewRedisNotifier(rdb, cfg.RedisOrderChannel)
		logger.Info().Str("channel", cfg.RedisOrderChannel).Msg("connected to redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set; order events are not published and the catalog is not cached")
	}

	svc := laboratory.NewService(st.orders, catalog, st.registry)
	svc.SetNotifier(notifier)
	svc.SetMetrics(laboratory.NewMetrics(reg))
	svc.SetLogger(labLogger)
	svc.SetVerifyReferences(cfg.VerifyReferences)
	svc.SetMaxAttempts(cfg.TxMaxAttempts)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.NewHTTPMetrics(reg).Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.pinger))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	apiV1 := e.Group("/api/v1")
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	laboratory.NewHandler(svc, labLogger).RegisterRoutes(apiV1)

	return e, cleanup, nil
}
