package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/scheduler/internal/config"
	"github.com/ehr/scheduler/internal/domain/reminder"
	"github.com/ehr/scheduler/internal/domain/resource"
	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/internal/platform/audit"
	"github.com/ehr/scheduler/internal/platform/auth"
	"github.com/ehr/scheduler/internal/platform/db"
	"github.com/ehr/scheduler/internal/platform/middleware"
	"github.com/ehr/scheduler/internal/platform/notification"
)

const version = "0.1.0"

type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	echo       *echo.Echo
	pool       *pgxpool.Pool
	scheduling *scheduling.Service
	dispatcher *notification.Dispatcher
	closers    []func() error
}

// newApp builds the server. Without DATABASE_URL every store is in-memory
// and state does not survive a restart.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withDispatcher bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	if cfg.UsesDatabase() {
		a.pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.DBSchema,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set; appointments are kept in memory only")
	}

	registry := resource.NewRegistry(loc)
	resourceRepo := resource.NewMemoryRepo()
	journal := scheduling.NewMemoryJournal()
	taskStore := reminder.NewMemoryStore()
	if a.pool != nil {
		resourceRepo = resource.NewRepoPG(a.pool)
		journal = scheduling.NewJournalPG(a.pool)
		taskStore = reminder.NewStorePG(a.pool)
	}

	resourceSvc := resource.NewService(registry, resourceRepo, logger)
	if err := resourceSvc.Hydrate(ctx); err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}

	reminders := reminder.NewScheduler(reminder.Policy{
		LeadTime:          cfg.ReminderLeadTime,
		FollowUpIntervals: cfg.FollowUpIntervals(),
		FollowUpTypes:     reminder.DefaultPolicy().FollowUpTypes,
	})

	a.scheduling = scheduling.NewService(registry, reminders, auth.NewRoleAuthorizer(nil), logger,
		scheduling.Config{
			LockTimeout:                 cfg.LockTimeout,
			AuditTimeout:                cfg.AuditTimeout,
			EmergencyBypassAvailability: cfg.EmergencyBypassAvailability,
			MaxAvailabilityDays:         cfg.MaxAvailabilityDays,
		},
		scheduling.WithJournal(journal),
		scheduling.WithTaskStore(taskStore),
		scheduling.WithRecorder(a.auditRecorder()),
	)
	if err := a.scheduling.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore schedule: %w", err)
	}
	resourceSvc.SetGuard(a.scheduling)

	if withDispatcher {
		claimer, err := a.claimer()
		if err != nil {
			return nil, err
		}
		publisher, err := a.publisher()
		if err != nil {
			return nil, err
		}
		a.dispatcher = notification.NewDispatcher(
			notification.NewServiceSource(a.scheduling, 0),
			claimer, publisher, nil, logger.With().Str("component", "dispatcher").Logger(),
			notification.DispatcherConfig{Interval: cfg.DispatchInterval, ClaimTTL: cfg.DispatchClaimTTL},
		)
	}

	a.echo = a.routes(resourceSvc)
	ok = true
	return a, nil
}

// auditRecorder fans out to the log, the audit table and Kafka, depending on
// what is configured.
func (a *app) auditRecorder() audit.Recorder {
	recorders := audit.Multi{audit.NewLogRecorder(a.logger.With().Str("component", "audit").Logger())}
	if a.pool != nil {
		recorders = append(recorders, audit.NewPGRecorder(a.pool))
	}
	if len(a.cfg.KafkaBrokers) > 0 {
		kr := audit.NewKafkaRecorder(a.cfg.KafkaBrokers, a.cfg.KafkaAuditTopic)
		a.closers = append(a.closers, kr.Close)
		recorders = append(recorders, kr)
	}
	return recorders
}

func (a *app) claimer() (notification.Claimer, error) {
	return newClaimer(a.cfg, a.logger, func(fn func() error) { a.closers = append(a.closers, fn) })
}

func (a *app) publisher() (notification.Publisher, error) {
	return newPublisher(a.cfg, a.logger, func(fn func() error) { a.closers = append(a.closers, fn) })
}

// newClaimer uses Redis when REDIS_URL is set so several dispatchers can
// share the task stream.
func newClaimer(cfg *config.Config, logger zerolog.Logger, onClose func(func() error)) (notification.Claimer, error) {
	if cfg.RedisURL == "" {
		return notification.NewMemoryClaimer(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	onClose(client.Close)
	logger.Info().Str("addr", opts.Addr).Msg("using redis reminder claims")
	return notification.NewRedisClaimer(client, instanceName()), nil
}

func newPublisher(cfg *config.Config, logger zerolog.Logger, onClose func(func() error)) (notification.Publisher, error) {
	if cfg.AMQPURL == "" {
		logger.Warn().Msg("AMQP_URL not set; reminders are written to the log")
		return notification.NewLogPublisher(logger), nil
	}
	pub, err := notification.DialAMQP(cfg.AMQPURL, cfg.ReminderQueue)
	if err != nil {
		return nil, err
	}
	onClose(pub.Close)
	logger.Info().Str("queue", cfg.ReminderQueue).Msg("publishing reminders to amqp")
	return pub, nil
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "scheduler"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

func (a *app) routes(resourceSvc *resource.Service) *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewValidator()

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Warning", "Retry-After"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	if cfg.AuthMode() == "development" {
		a.logger.Warn().Msg("development auth: unauthenticated requests act as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))

	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rl))

	resource.NewHandler(resourceSvc).RegisterRoutes(apiV1)
	scheduling.NewHandler(a.scheduling).RegisterRoutes(apiV1)
	reminder.NewHandler(a.scheduling).RegisterRoutes(apiV1)
	return e
}

// Run serves HTTP and, when enabled, the dispatcher until ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + a.cfg.Port
		a.logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if a.dispatcher != nil {
		g.Go(func() error {
			return a.dispatcher.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return a.echo.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
