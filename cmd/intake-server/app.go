package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/domain/roster"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/hl7v2"
	"github.com/ehr/intake/internal/platform/metrics"
	"github.com/ehr/intake/internal/platform/middleware"
	"github.com/ehr/intake/internal/platform/progress"
)

const shutdownTimeout = 10 * time.Second

// app owns everything the serve command starts.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	echo    *echo.Echo
	svc     *intake.Service
	broker  *progress.Broker
	metrics *metrics.Registry

	sweepers []func(ctx context.Context) error
	closers  []func()
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		broker:  progress.NewBroker(logger),
		metrics: metrics.NewRegistry(),
	}

	trigger, err := hl7v2.ParseTriggerEvent(cfg.DefaultTriggerEvent)
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_TRIGGER_EVENT: %w", err)
	}

	client, err := hl7v2.NewClient(hl7v2.ClientConfig{
		Host:    cfg.MLLPHost,
		Port:    cfg.MLLPPort,
		Timeout: cfg.MLLPTimeout,
		Charset: cfg.MLLPCharset,
		OnState: func(addr string, s hl7v2.State) {
			logger.Trace().Str("receiver", addr).Str("state", string(s)).Msg("mllp state")
		},
	})
	if err != nil {
		return nil, err
	}

	builder := hl7v2.NewBuilder(hl7v2.BuilderConfig{
		SendingApplication:   cfg.SendingApplication,
		SendingFacility:      cfg.SendingFacility,
		ReceivingApplication: cfg.ReceivingApplication,
		ReceivingFacility:    cfg.ReceivingFacility,
		Version:              cfg.HL7Version,
		ProcessingID:         cfg.ProcessingID,
		AssigningAuthority:   cfg.AssigningAuthority,
	})

	previews, err := a.previewStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	jobs := intake.NewMemoryJobStore(cfg.JobTTL)
	jobs.OnEvict(a.broker.Forget)
	a.sweepers = append(a.sweepers, func(ctx context.Context) error {
		return jobs.Run(ctx, cfg.SweepInterval)
	})

	var mappers []roster.ColumnMapper
	if cfg.MappingServiceURL != "" {
		var opts []roster.SemanticOption
		if cfg.MappingServiceToken != "" {
			opts = append(opts, roster.WithToken(cfg.MappingServiceToken))
		}
		mappers = append(mappers, roster.NewSemanticMapper(cfg.MappingServiceURL, cfg.MappingServiceTimeout, opts...))
		logger.Info().Str("url", cfg.MappingServiceURL).Msg("semantic column mapping enabled")
	}

	opts := []intake.Option{
		intake.WithMapper(roster.NewFallbackMapper(logger, mappers...)),
		intake.WithReaderOptions(roster.ReaderOptions{Charset: cfg.UploadCharset, MaxRows: cfg.UploadMaxRows}),
		intake.WithSendDelay(cfg.SendDelay),
		intake.WithMaxRetries(cfg.MLLPMaxRetries),
		intake.WithDefaultTrigger(trigger),
		intake.WithMetrics(intake.NewMetrics(a.metrics)),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	a.echo = e

	if cfg.HasDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)

		applied, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("migrate job archive: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("job archive ready")

		opts = append(opts, intake.WithArchive(intake.NewPGJobArchive(pool)))
		e.GET("/health/db", db.HealthHandler(pool))
	}

	a.svc = intake.NewService(previews, jobs, builder, client, a.broker, logger, opts...)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.HTTPMiddleware(a.metrics))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyMaxSize, cfg.UploadMaxSize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", a.health)
	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	if cfg.RateLimitEnabled() {
		apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			IdleTTL:           10 * time.Minute,
			Skipper: func(c echo.Context) bool {
				return strings.HasSuffix(c.Request().URL.Path, "/stream")
			},
		}))
	}
	intake.NewHandler(a.svc, a.broker, logger).RegisterRoutes(apiV1)
	progress.NewWebSocketHandler(a.broker, logger, progress.WithTopicCheck(a.jobExists)).RegisterRoutes(e.Group(""))

	logger.Info().
		Str("receiver", client.Addr()).
		Str("preview_store", cfg.PreviewStore).
		Bool("archive", cfg.HasDatabase()).
		Str("default_trigger", string(trigger)).
		Msg("intake service configured")
	return a, nil
}

func (a *app) previewStore(ctx context.Context) (intake.PreviewStore, error) {
	if a.cfg.PreviewStore == "valkey" {
		client, err := intake.NewValkeyClient(a.cfg.ValkeyURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)

		store := intake.NewValkeyPreviewStore(client, a.cfg.PreviewTTL)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping valkey: %w", err)
		}
		return store, nil
	}

	store := intake.NewMemoryPreviewStore(a.cfg.PreviewTTL)
	a.sweepers = append(a.sweepers, func(ctx context.Context) error {
		return store.Run(ctx, a.cfg.SweepInterval)
	})
	return store, nil
}

func (a *app) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"receiver":     a.svc.ReceiverAddr(),
		"previewStore": a.cfg.PreviewStore,
		"archive":      a.cfg.HasDatabase(),
		"progressJobs": a.broker.TopicCount(),
	})
}

func (a *app) jobExists(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.svc.GetJob(ctx, id)
	return err == nil
}

// run serves HTTP and the store sweepers until ctx is cancelled, then lets
// running jobs finalize and drains open requests.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	addr := ":" + a.cfg.Port
	g.Go(func() error {
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	for _, sweep := range a.sweepers {
		g.Go(func() error { return sweep(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down server")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.svc.Shutdown(sctx); err != nil {
			a.logger.Warn().Err(err).Msg("jobs did not finalize before shutdown")
		}
		if err := a.echo.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		a.logger.Info().Msg("server stopped")
		return nil
	})

	return g.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
