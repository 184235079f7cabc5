// Package main runs the parking occupancy engine with its HTTP API, event
// bus and persistence
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Srivenkatesh03/Smart-Parking-System/internal/api"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/config"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/core"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/database"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/detection"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/engine"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/events"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/history"
	"github.com/Srivenkatesh03/Smart-Parking-System/internal/logging"
)

const (
	version         = "0.1.0"
	defaultDataPath = "./data"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := findConfigFile(dataPath)

	cfg, err := loadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	level := getEnv("LOG_LEVEL", cfg.System.Logging.Level)
	logs := logging.Setup(os.Stdout, level, cfg.System.Logging.Format, cfg.System.Logging.Buffer)

	slog.Info("Starting parking engine", "version", version, "config_path", configPath, "listen", cfg.API.Listen)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.System.DataPath, 0755); err != nil {
		slog.Error("Failed to create data directory", "path", cfg.System.DataPath, "error", err)
		os.Exit(1)
	}

	dbCfg := database.DefaultConfig(cfg.System.DataPath)
	dbCfg.Path = cfg.DatabasePath()
	db, err := database.Open(dbCfg)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	eventService := events.NewService(db)
	historyRepo := history.NewRepository(db.DB)
	historyWriter := history.NewWriter(historyRepo, 1024)
	stateRepo := history.NewStateRepository(db.DB)

	bus, err := core.NewEventBus(core.EventBusConfig{Port: cfg.EventBus.Port}, slog.Default())
	if err != nil {
		slog.Error("Failed to create event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop()

	// Persistence and the bus sit behind one queue so the frame loop never
	// waits on SQLite
	sink := events.NewAsyncSink(events.Fanout{eventService, stateRepo, core.NewEventSink(bus)}, 1024)

	detector, err := newDetector(cfg)
	if err != nil {
		slog.Error("Failed to create detector client", "error", err)
		os.Exit(1)
	}

	eng := engine.New(engine.Options{
		Sink:          sink,
		Detector:      detector,
		HistoryWriter: historyWriter,
	})

	start := func(context.Context) (engine.ControlResult, error) {
		if eng.Running() {
			return engine.AlreadyRunning, nil
		}
		engCfg, err := cfg.EngineConfig()
		if err != nil {
			return engine.Rejected, err
		}
		src, err := newSource(cfg.Copy())
		if err != nil {
			return engine.Rejected, err
		}
		res, err := eng.Start(ctx, src, engCfg)
		if res != engine.Started {
			_ = src.Close()
		}
		return res, err
	}

	retention := history.NewRetentionPolicy(cfg.System.RetentionDays, map[string]history.Pruner{
		"events":            eventService,
		"occupancy_history": historyRepo,
		"space_states":      stateRepo,
	}, nil)
	retention.SetCompactor(db)
	retention.Start(ctx, time.Hour)

	cfg.OnChange(func(c *config.Config) {
		snapshot := c.Copy()
		retention.SetDays(snapshot.System.RetentionDays)

		engCfg, err := c.EngineConfig()
		if err != nil {
			slog.Error("Reloaded engine config rejected", "error", err)
			return
		}
		if _, err := eng.Apply(engCfg); err != nil && !errors.Is(err, engine.ErrNotRunning) {
			slog.Error("Failed to apply reloaded config", "error", err)
			return
		}
		_ = bus.Publish(core.SubjectConfigChanged, map[string]interface{}{
			"spaces": len(engCfg.Spaces),
			"groups": len(engCfg.Groups),
		})
	})
	watchDone := make(chan struct{})
	if err := cfg.Watch(watchDone); err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	}

	publisher := core.NewSnapshotPublisher(bus, eng)
	go func() {
		if err := publisher.Run(ctx); err != nil {
			slog.Error("Snapshot publisher stopped", "error", err)
		}
	}()

	hub := api.NewHub()
	go hub.Run(ctx)
	snapshots, unsubscribe := eng.Subscribe()
	go hub.ForwardSnapshots(ctx, snapshots)
	eventFeed := eventService.Subscribe()
	go hub.ForwardEvents(ctx, eventFeed)

	handler := api.NewHandler(api.Deps{
		Engine:  eng,
		Events:  eventService,
		History: historyRepo,
		States:  stateRepo,
		Layout:  cfg,
		Logs:    logs,
		Hub:     hub,
		Storage: db,
		Start:   start,
		Checks: map[string]api.HealthCheck{
			"database":  db.Health,
			"event_bus": bus.HealthCheck,
		},
		Version: version,
	})

	server := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           setupRouter(cfg, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	if cfg.Engine.AutostartEnabled() {
		if res, err := start(ctx); err != nil {
			slog.Error("Failed to start engine", "result", res, "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	_ = bus.Publish(core.SubjectSystemShutdown, map[string]string{"reason": "signal"})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if _, err := eng.Stop(); err != nil {
		slog.Error("Failed to stop engine", "error", err)
	}
	close(watchDone)
	retention.Stop()
	unsubscribe()
	sink.Close()
	historyWriter.Close()
	eventService.Unsubscribe(eventFeed)
	cancel()

	slog.Info("Shutdown complete")
}

// loadConfig reads the config file, writing a default one when none exists
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = config.Default()
	cfg.SetPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := cfg.Save(); err != nil {
		return nil, fmt.Errorf("failed to write default config: %w", err)
	}
	slog.Info("Wrote default configuration", "path", path)
	return cfg, nil
}

func newDetector(cfg *config.Config) (detection.Detector, error) {
	if cfg.Detector.Address == "" {
		return nil, nil
	}
	client, err := detection.NewClient(detection.ClientConfig{
		Address:       cfg.Detector.Address,
		Timeout:       cfg.Detector.Timeout,
		APIKey:        cfg.Detector.APIKey,
		MinConfidence: cfg.Engine.MinConfidence,
		Labels:        cfg.Engine.Labels,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newSource(cfg *config.Config) (detection.FrameSource, error) {
	switch cfg.Source.Type {
	case config.SourceDirectory:
		src, err := detection.NewDirectorySource(cfg.Source.Directory, cfg.Source.Loop)
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceSnapshot:
		return detection.NewHTTPSnapshotSource(cfg.Source.URL, cfg.Source.Stream, cfg.Source.Timeout), nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
}

// setupRouter creates the HTTP router with all routes
func setupRouter(cfg *config.Config, handler *api.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.API.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handler.Health)
	r.Mount("/api/v1", handler.Routes())

	return r
}

// findConfigFile looks for the config file in the usual locations
func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}

	locations := []string{
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
		"/etc/parking/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
