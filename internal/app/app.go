// Package app wires the licensing agent together: configuration, logging,
// metrics, migration, the controller and the local HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderpad/internal/config"
	"orderpad/internal/infrastructure"
	"orderpad/internal/license"
	"orderpad/internal/security"
	transport "orderpad/internal/transport/http"
)

const (
	Version = "v1.2.0"
	AppName = "OrderPad License Agent"
)

// Application is the composed agent: one long-lived instance owns all
// licensing state, constructed once and passed to collaborators by
// reference.
type Application struct {
	Config     *config.Config
	Server     *http.Server
	Controller *license.Controller
	Migrator   *license.Migrator
	Logger     *slog.Logger
	OTel       *infrastructure.OTelProviders
}

// New builds the application with its full dependency graph.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Agent starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("data_dir", cfg.Paths.DataDir))

	if err := cfg.Paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	metrics, err := license.NewMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create license metrics: %w", err)
	}

	fingerprints := security.NewFingerprintManager()
	legacy := license.NewLegacyLoader(cfg.Paths.LegacyLicenseFile, fingerprints)
	cache := license.NewCacheStore(cfg.Paths.CacheFile, cfg.Paths.CacheBackupFile, fingerprints)
	trial := license.NewTrialManager(cfg.Paths.TrialFile)
	cloud := license.NewCloudClient(cfg.License.CloudURL, cfg.License.CloudTimeout, cfg.License.CloudRetries)

	flow := license.NewFlow(legacy, cache, cloud, trial, fingerprints, metrics)
	controller := license.NewController(flow, cache, cloud, fingerprints, metrics, cfg.License.StatusTTL)
	migrator := license.NewMigrator(cfg.Paths, legacy, cache, flow, metrics)

	router := transport.NewRouter(controller, otelProviders.PrometheusHTTP, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Application{
		Config:     cfg,
		Server:     server,
		Controller: controller,
		Migrator:   migrator,
		Logger:     logger,
		OTel:       otelProviders,
	}, nil
}

// Run executes the startup sequence and serves until interrupted. Migration
// runs before steady-state operation begins; a migration failure is logged
// and the agent continues on the legacy path.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attempt, err := a.Migrator.Execute(ctx, false)
	if err != nil {
		a.Logger.Warn("Migration failed, continuing on legacy path",
			slog.String("error", err.Error()))
	} else {
		a.Logger.Info("Migration assessed",
			slog.String("status", string(attempt.Status)))
	}

	if err := a.Migrator.CleanupSnapshots(a.Config.License.SnapshotsKept); err != nil {
		a.Logger.Warn("Snapshot cleanup failed", slog.String("error", err.Error()))
	}

	// Warm the memo before the first request arrives.
	state := a.Controller.GetStatus(ctx, true)
	a.Logger.Info("Initial license state",
		slog.String("status", string(state.Status)),
		slog.String("source", string(state.Source)))

	a.Controller.StartBackgroundRevalidation(ctx, a.Config.License.RevalidateInterval)

	errChan := make(chan error, 1)
	go func() {
		a.Logger.Info("HTTP server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down")
	return a.shutdown()
}

func (a *Application) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	a.Controller.Close()

	var firstErr error
	if err := a.Server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := a.OTel.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = err
	}

	// Give in-flight background validation a moment to observe the closed
	// stop channel before the process exits.
	time.Sleep(50 * time.Millisecond)
	return firstErr
}
