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
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/taskgraph/internal/cleanup"
	"github.com/italolelis/taskgraph/internal/config"
	"github.com/italolelis/taskgraph/internal/downloader"
	"github.com/italolelis/taskgraph/internal/fetch"
	"github.com/italolelis/taskgraph/internal/http/rest"
	"github.com/italolelis/taskgraph/internal/logctx"
	"github.com/italolelis/taskgraph/internal/notifier"
	"github.com/italolelis/taskgraph/internal/source/putio"
	"github.com/italolelis/taskgraph/internal/storage"
	"github.com/italolelis/taskgraph/internal/storage/redis"
	"github.com/italolelis/taskgraph/internal/storage/sqlite"
	"github.com/italolelis/taskgraph/internal/task"
	"github.com/italolelis/taskgraph/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, flush, err := logctx.Setup(ctx, logctx.Options{
		Level:          cfg.SlogLevel(),
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("logger error", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(logger)

	logger.Info("taskgraph starting...", "log_level", cfg.LogLevel, "strategy", cfg.Strategy)

	err = run(logctx.WithLogger(ctx, logger), cfg)

	if ferr := flush(context.Background()); ferr != nil {
		slog.Error("failed to flush logs", "err", ferr)
	}

	if err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shut down telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Cache
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	index, err := buildIndex(ctx, cfg, sqlite.NewInstrumentedIndex(database, tel))
	if err != nil {
		return err
	}

	cache := storage.NewFileCache(cfg.CacheDir, index)

	// =========================================================================
	// Start Download Manager
	strategy, err := task.ParseStrategy(cfg.Strategy)
	if err != nil {
		return err
	}

	ids, err := downloader.NewRunIDs(cfg.NodeID)
	if err != nil {
		return err
	}

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	manager, err := downloader.New(downloader.Options{
		Client: fetch.NewClient(fetch.ClientOptions{
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
		}),
		Cache:            cache,
		FetchWorkers:     cfg.FetchConcurrency,
		IOWorkers:        cfg.IOWorkers,
		Telemetry:        tel,
		Resolver:         downloader.DirResolver{Dir: cfg.TargetDir},
		IDs:              ids,
		Retry:            cfg.FetchRetry,
		SegmentThreshold: cfg.SegmentThreshold,
		Segmented:        fetch.SegmentedOptions{Segments: cfg.Segments},
		ProgressInterval: cfg.ProgressInterval,
		Strategy:         strategy,
		OnUncaught:       notifier.Hook(notif),
	})
	if err != nil {
		return fmt.Errorf("failed to create download manager: %w", err)
	}

	defer func() {
		if err := manager.Close(context.Background()); err != nil {
			logger.Error("failed to shut down pools", "err", err)
		}
	}()

	manager.Start(ctx)

	// =========================================================================
	// Start Notification
	setupNotificationForManager(ctx, manager, notif)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	var server *http.Server

	if cfg.Web.Enabled {
		server = setupServer(ctx, manager, tel, cfg)

		go func() {
			logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
			serverErrors <- server.ListenAndServe()
		}()

		defer shutdownServer(ctx, server, cfg)
	}

	// =========================================================================
	// Start Cleanup
	cleanup.Schedule(ctx, index, cfg.CacheDir, cfg.KeepCachedFor, cfg.CleanupInterval)

	// =========================================================================
	// Start Run
	artifacts, err := collectArtifacts(ctx, cfg)
	if err != nil {
		return err
	}

	root, err := manager.Graph("artifacts", artifacts)
	if err != nil {
		return err
	}

	logger.Info("downloading artifacts",
		"artifact_count", len(artifacts),
		"target_dir", cfg.TargetDir,
		"cache_dir", cfg.CacheDir,
	)

	exec := manager.Execute(ctx, root)

	select {
	case err := <-serverErrors:
		exec.Cancel()
		<-exec.Future().Done()

		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		exec.Cancel()
		<-exec.Future().Done()

		return exec.Future().Err()
	case <-exec.Future().Done():
	}

	if err := exec.Future().Err(); err != nil {
		return fmt.Errorf("run %s failed: %w", exec.ID(), err)
	}

	logger.Info("all artifacts downloaded", "run_id", exec.ID())

	return nil
}

// buildIndex keeps checksums in sqlite and tokens either there or in redis.
func buildIndex(ctx context.Context, cfg *config.Config, local storage.Index) (storage.Index, error) {
	if cfg.CacheIndex != "redis" {
		return local, nil
	}

	client, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	return redis.NewTokenIndex(client, local), nil
}

func collectArtifacts(ctx context.Context, cfg *config.Config) ([]downloader.Artifact, error) {
	var artifacts []downloader.Artifact

	if cfg.ManifestPath != "" {
		m, err := downloader.LoadManifest(cfg.ManifestPath)
		if err != nil {
			return nil, err
		}

		artifacts = append(artifacts, m.Artifacts...)
	}

	if cfg.PutioToken != "" {
		src := putio.New(cfg.PutioToken)

		if err := src.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("authentication error: %w", err)
		}

		found, err := src.Artifacts(ctx, cfg.PutioFolderID)
		if err != nil {
			return nil, fmt.Errorf("failed to list put.io folder: %w", err)
		}

		artifacts = append(artifacts, found...)
	}

	if len(artifacts) == 0 {
		return nil, errors.New("nothing to download: set MANIFEST_PATH or PUTIO_TOKEN")
	}

	return artifacts, nil
}

func setupNotificationForManager(ctx context.Context, manager *downloader.Manager, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		for event := range manager.OnArtifactFailed {
			logger.Error("artifact download failed", "artifact", event.Artifact.Label(), "run_id", event.RunID, "err", event.Err)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(ctx,
				"❌ Download failed for artifact: "+event.Artifact.Label(),
			); notifyErr != nil {
				logger.Error("failed to send notification", "err", notifyErr)
			}
		}
	}()

	go func() {
		for event := range manager.OnArtifactFinished {
			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(ctx,
				"✅ Download finished for artifact: "+event.Artifact.Label()+" ("+event.Destination+")",
			); notifyErr != nil {
				logger.Error("failed to send notification", "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *downloader.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	status := rest.NewStatusHandler(cfg.Web.Username, cfg.Web.Password, manager)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", status.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func shutdownServer(ctx context.Context, server *http.Server, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	// Give outstanding requests a deadline for completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			logger.Error("could not stop server gracefully", "err", err)
		}
	}
}
