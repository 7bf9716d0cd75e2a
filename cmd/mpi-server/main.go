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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/mpi/internal/config"
	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/domain/match"
	"github.com/ehr/mpi/internal/domain/merge"
	"github.com/ehr/mpi/internal/platform/auth"
	"github.com/ehr/mpi/internal/platform/cache"
	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/platform/events"
	"github.com/ehr/mpi/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mpi-server",
		Short: "Master Patient Index API Server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MPI API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Use Atlas CLI for migration rollback: atlas schema apply --dir migrations/")
			return nil
		},
	})

	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Sweep active identities for undetected duplicates",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			identityStore := identity.NewStore(pool)
			matchRepo := match.NewRepo(pool)

			dispatcher := events.NewDispatcher(logger, []events.Sink{&events.LogSink{Log: logger}},
				events.WithBuffer(cfg.EventBufferSize))
			dctx, dcancel := context.WithCancel(context.Background())
			dispatcher.Start(dctx)
			defer func() {
				dcancel()
				dispatcher.Wait()
			}()

			scorer, thresholds, err := matchingFromConfig(cfg)
			if err != nil {
				return err
			}
			finder := match.NewFinder(identityStore, scorer)
			engine := merge.NewEngine(identityStore, matchRepo, dispatcher, logger,
				merge.WithRetries(cfg.MergeMaxRetries, 25*time.Millisecond))

			reconciler := merge.NewReconciler(identityStore, matchRepo, finder, engine, thresholds, dispatcher, logger)
			report, err := reconciler.Run(ctx)
			fmt.Printf("scanned=%d auto_merged=%d pending_created=%d conflicts=%d elapsed=%s\n",
				report.Scanned, report.AutoMerged, report.PendingCreated, report.Conflicts, report.Elapsed)
			return err
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// matchingFromConfig builds the scorer and thresholds from configuration.
// Bad tuning refuses to start.
func matchingFromConfig(cfg *config.Config) (*match.Scorer, match.Thresholds, error) {
	ssn, nameDOB, contact, address := cfg.ScoringWeights()
	weights := match.Weights{
		SSN:     ssn,
		NameDOB: nameDOB,
		Contact: contact,
		Address: address,
	}
	if err := weights.Validate(); err != nil {
		return nil, match.Thresholds{}, fmt.Errorf("invalid match weights: %w", err)
	}
	thresholds := match.Thresholds{
		AutoLink:    cfg.MatchAutoLinkThreshold,
		ReviewLower: cfg.MatchReviewLowerBound,
	}
	if err := thresholds.Validate(); err != nil {
		return nil, match.Thresholds{}, fmt.Errorf("invalid match thresholds: %w", err)
	}
	return match.NewScorer(weights), thresholds, nil
}

func runServer() error {
	logger := newLogger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis-backed MPI ID cache (optional)
	var mpiCache *cache.MPICache
	if cfg.RedisURL != "" {
		mpiCache, err = cache.New(ctx, cfg.RedisURL, cfg.CacheTTL(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer mpiCache.Close()
		logger.Info().Msg("connected to redis")
	}

	// Event dispatcher with log and optional Kafka sinks
	sinks := []events.Sink{&events.LogSink{Log: logger}}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("kafka sink enabled")
	}
	dispatcher := events.NewDispatcher(logger, sinks, events.WithBuffer(cfg.EventBufferSize))
	dctx, dcancel := context.WithCancel(context.Background())
	dispatcher.Start(dctx)
	defer func() {
		dcancel()
		dispatcher.Wait()
	}()

	// Stores and services
	identityStore := identity.NewStore(pool)
	matchRepo := match.NewRepo(pool)

	identitySvc := identity.NewService(identityStore, dispatcher, mpiCache, logger)

	scorer, thresholds, err := matchingFromConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid matching configuration")
	}
	finder := match.NewFinder(identityStore, scorer)
	engine := merge.NewEngine(identityStore, matchRepo, dispatcher, logger,
		merge.WithRetries(cfg.MergeMaxRetries, 25*time.Millisecond))
	resolver := match.NewResolver(identityStore, identitySvc, matchRepo, finder, engine,
		dispatcher, thresholds, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.MaxBodySize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Rate limiting keys on the authenticated user, so it sits behind auth.
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// API routes
	apiV1 := e.Group("/api/v1")
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)
	match.NewHandler(resolver).RegisterRoutes(apiV1)
	merge.NewHandler(engine).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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
