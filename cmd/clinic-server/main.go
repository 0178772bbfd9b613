package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/activity"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/lock"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/webhook"
	"github.com/clinic/clinic/internal/platform/websocket"
	"github.com/clinic/clinic/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic appointment scheduling API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(workerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the offer sweeper",
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

			applied, err := db.NewMigrator(pool, migrationsFS(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			for _, name := range applied {
				fmt.Printf("applied %s\n", name)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", len(applied))
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

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

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx)
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
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

// sweepCmd runs one sweep pass, for cron-driven deployments that disable the
// in-process sweeper.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue reschedule offers and close stale bookings once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			ctx := context.Background()
			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.sweeper.RunOnce(ctx)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Println("Another instance holds the sweep lock; nothing done.")
				return nil
			}
			fmt.Printf("Expired %d offer(s), closed %d stale booking(s).\n", res.OffersExpired, res.BookingsAged)
			return nil
		},
	}
}

// workerCmd consumes the Redis notification queue.
func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return errors.New("REDIS_URL is required for the notification worker")
			}
			redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse REDIS_URL: %w", err)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			sink, closeSink, err := buildSink(cfg, notification.NewStorePG(pool), logger)
			if err != nil {
				return err
			}
			defer closeSink()

			w := notification.NewWorker(redisOpt, sink, logger, concurrency)
			if err := w.Start(); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			logger.Info().Int("concurrency", concurrency).Msg("notification worker started")

			waitForSignal()
			logger.Info().Msg("shutting down worker")
			w.Shutdown()
			return nil
		},
	}
	cmd.Flags().Int("concurrency", 10, "Number of concurrent deliveries")
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func bootstrap() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.Env), nil
}

// migrationsFS returns dir on disk when set, the embedded migrations
// otherwise.
func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// buildSink assembles where notifications end up: the in-app inbox and the
// log, plus RabbitMQ and signed webhooks when configured.
func buildSink(cfg *config.Config, store notification.Sink, logger zerolog.Logger) (notification.Fanout, func(), error) {
	sinks := notification.Fanout{store, notification.LogSink{Logger: logger}}
	closeFn := func() {}
	if cfg.AMQPURL != "" {
		pub, err := notification.NewPublisher(cfg.AMQPURL, cfg.NotifyExchange)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, pub)
		closeFn = func() { _ = pub.Close() }
	}
	if len(cfg.WebhookURLs) > 0 {
		hooks, err := webhook.NewSink(cfg.WebhookURLs, cfg.WebhookSecret, cfg.WebhookEvents)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("webhooks: %w", err)
		}
		sinks = append(sinks, hooks)
	}
	return sinks, closeFn, nil
}

// app holds the long-lived dependencies shared by serve and sweep.
type app struct {
	pool       *pgxpool.Pool
	store      notification.Store
	activity   activity.Store
	dispatcher notification.Dispatcher
	live       *websocket.Hub
	service    *scheduling.Service
	sweeper    *scheduling.Sweeper
	closers    []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	logger.Info().Msg("connected to database")

	a.store = notification.NewStorePG(pool)
	sink, closeSink, err := buildSink(cfg, a.store, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeSink)
	a.live = websocket.NewHub(logger)

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := asynq.NewClient(redisOpt)
		// The worker process owns durable delivery; live pushes stay in
		// this process where the sockets are.
		a.dispatcher = notification.Dispatchers{
			notification.NewQueueDispatcher(client, logger, cfg.NotifyMaxRetry),
			a.live,
		}
		a.closers = append(a.closers, func() { _ = client.Close() })

		rl, err := lock.NewRedisFromURL(ctx, cfg.RedisURL, "clinic:lock:")
		if err != nil {
			return nil, err
		}
		locker = rl
		a.closers = append(a.closers, func() { _ = rl.Close() })
		logger.Info().Msg("notifications queued on redis")
	} else {
		async := notification.NewAsyncDispatcher(append(sink, a.live), logger, notification.DefaultAsyncOptions())
		a.dispatcher = async
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := async.Close(ctx); err != nil {
				logger.Warn().Err(err).Msg("notification dispatcher did not drain")
			}
		})
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a.activity = activity.NewStorePG(pool)
	repos := scheduling.NewRepositoriesPG(pool)
	repos.Activity = a.activity
	a.service = scheduling.NewService(db.NewTxManager(pool), repos, a.dispatcher,
		scheduling.Options{
			Location:             loc,
			SuggestedSlotCount:   cfg.SuggestedSlotCount,
			SuggestionSearchDays: cfg.SuggestionSearchDays,
		}, logger)
	a.sweeper = scheduling.NewSweeper(a.service, locker, cfg.OfferSweepInterval, cfg.SweepStaleBookings, logger)

	ok = true
	return a, nil
}

// Close releases dependencies in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newEcho builds the HTTP server with global middleware and routes.
func newEcho(cfg *config.Config, logger zerolog.Logger, a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	public := apiV1.Group("/public", middleware.NoLeakHeaders())

	scheduling.NewHandler(a.service).RegisterRoutes(apiV1, public)
	notification.NewHandler(a.store).RegisterRoutes(apiV1)
	if a.activity != nil {
		activity.NewHandler(a.activity).RegisterRoutes(apiV1)
	}
	if a.live != nil {
		websocket.NewHandler(a.live, cfg.CORSOrigins).RegisterRoutes(apiV1)
	}
	return e
}

func runServer() error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := newEcho(cfg, logger, a)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		a.sweeper.Start(sweepCtx)
	}()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("timezone", cfg.ClinicTimezone).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	waitForSignal()

	logger.Info().Msg("shutting down server")
	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-sweeperDone
	logger.Info().Msg("server stopped")
	return nil
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
