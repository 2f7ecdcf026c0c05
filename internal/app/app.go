// Package app builds the proxy's dependency graph and runs the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mirrorshield/internal/api"
	"github.com/JakeFAU/mirrorshield/internal/capture"
	"github.com/JakeFAU/mirrorshield/internal/config"
	"github.com/JakeFAU/mirrorshield/internal/id/uuid"
	"github.com/JakeFAU/mirrorshield/internal/logging"
	"github.com/JakeFAU/mirrorshield/internal/metrics"
	"github.com/JakeFAU/mirrorshield/internal/policy/breaker"
	"github.com/JakeFAU/mirrorshield/internal/policy/ratelimit"
	"github.com/JakeFAU/mirrorshield/internal/proxy"
	gcsstorage "github.com/JakeFAU/mirrorshield/internal/storage/gcs"
	localstorage "github.com/JakeFAU/mirrorshield/internal/storage/local"
	memorystorage "github.com/JakeFAU/mirrorshield/internal/storage/memory"
	"github.com/JakeFAU/mirrorshield/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	recorder  *capture.Recorder
	storage   *storage.Client
	tracer    *sdktrace.TracerProvider
}

// Handler exposes the routed HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close flushes pending captures and releases clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.recorder != nil {
		if err := a.recorder.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}

	profiles, defaultProfile, err := cfg.BuildProfiles()
	if err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ID)
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("profiles", ids),
		zap.String("default_profile", defaultProfile),
	)

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	breakers := breaker.New(breaker.Config{
		MaxFailures:  cfg.Mirror.BreakerFailures,
		Timeout:      cfg.Mirror.BreakerTimeout,
		IsSuccessful: proxy.IsMirrorHealthy,
	}, logger.Named("breaker"))
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Mirror.RatePerSecond,
		Burst: cfg.Mirror.Burst,
	})
	if cfg.Mirror.RatePerSecond > 0 {
		logger.Info("mirror rate limiter enabled",
			zap.Float64("rps", cfg.Mirror.RatePerSecond),
			zap.Int("burst", cfg.Mirror.Burst),
		)
	}
	var (
		client    *http.Client
		serverOpt []api.Option
	)
	if cfg.Tracing.Enabled {
		app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			ProjectID:   cfg.Tracing.ProjectID,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		client = &http.Client{Transport: telemetry.Transport(proxy.NewTransport(cfg.HTTP.Timeout), app.tracer)}
		serverOpt = append(serverOpt, api.WithTracerProvider(app.tracer))
		logger.Info("tracing enabled",
			zap.Float64("sample_ratio", cfg.Tracing.SampleRatio),
			zap.Bool("export", cfg.Tracing.ProjectID != ""),
		)
	}
	fetcher := proxy.NewFetcher(client, proxy.FetcherConfig{Timeout: cfg.HTTP.Timeout}, breakers, limiter, logger.Named("fetcher"))

	handlerCfg := proxy.Config{
		Profiles:            profiles,
		Fetcher:             fetcher,
		Seeds:               proxy.NewSeedSource(cfg.Mirror.Seed),
		MaxHTMLBytes:        cfg.HTTP.MaxHTMLBytes,
		MaxPassthroughBytes: cfg.HTTP.MaxPassthroughBytes,
	}
	if app.tracer != nil {
		handlerCfg.Tracer = app.tracer.Tracer("github.com/JakeFAU/mirrorshield/internal/proxy")
	}
	if cfg.Capture.Enabled {
		app.recorder, err = setupCapture(ctx, app)
		if err != nil {
			return nil, err
		}
		handlerCfg.Recorder = app.recorder
	}

	handler, err := proxy.NewHandler(handlerCfg, logger.Named("proxy"))
	if err != nil {
		return nil, fmt.Errorf("proxy handler init failed: %w", err)
	}

	app.apiServer, err = api.NewServer(handler, uuid.New(), *cfg, defaultProfile, logger.Named("api"), serverOpt...)
	if err != nil {
		return nil, fmt.Errorf("api server init failed: %w", err)
	}
	return app, nil
}

func setupCapture(ctx context.Context, app *App) (*capture.Recorder, error) {
	var blobStore capture.BlobStore
	var err error
	switch app.cfg.Capture.Backend {
	case "gcs":
		app.logger.Info("using GCS capture backend", zap.String("bucket", app.cfg.Capture.GCSBucket))
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{Bucket: app.cfg.Capture.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		app.logger.Info("using local capture backend", zap.String("path", app.cfg.Capture.Local.BaseDir))
		blobStore, err = localstorage.New(app.cfg.Capture.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		app.logger.Info("using in-memory capture backend", zap.Int("max_objects", app.cfg.Capture.MemoryMaxObjects))
		blobStore = memorystorage.NewBlobStore(app.cfg.Capture.MemoryMaxObjects)
	}

	recorder, err := capture.New(blobStore, capture.Config{
		Prefix:      app.cfg.Capture.Prefix,
		SampleRate:  app.cfg.Capture.SampleRate,
		Timeout:     app.cfg.Capture.Timeout,
		MaxInFlight: app.cfg.Capture.MaxInFlight,
	}, app.logger.Named("capture"))
	if err != nil {
		return nil, fmt.Errorf("capture recorder init failed: %w", err)
	}
	return recorder, nil
}
