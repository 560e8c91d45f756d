package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/rollupd/internal/cache"
	"github.com/me/rollupd/internal/compiler"
	"github.com/me/rollupd/internal/config"
	"github.com/me/rollupd/internal/core"
	"github.com/me/rollupd/internal/driver"
	"github.com/me/rollupd/internal/logging"
	"github.com/me/rollupd/internal/scheduler"
	"github.com/me/rollupd/internal/server"
	"github.com/me/rollupd/internal/store"
)

func main() {
	configFile := flag.String("config", "", "Path to server config file (YAML)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	schemaPath := flag.String("schema", "", "Cube schema file (overrides config)")
	dbPath := flag.String("db", "", "Database path (default ~/.rollupd/rollupd.db)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	refresh := flag.Bool("scheduled-refresh", false, "Enable the scheduled refresh timer")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")

	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *schemaPath != "" {
		cfg.SchemaPath = *schemaPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *refresh {
		cfg.ScheduledRefresh.Enabled = true
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	if cfg.SchemaPath == "" {
		fmt.Fprintln(os.Stderr, "no cube schema: set schema_path or pass -schema")
		os.Exit(1)
	}

	// Resolve database path.
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot determine home directory: %v\n", err)
			os.Exit(1)
		}
		dir := filepath.Join(home, ".rollupd")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", dir, err)
			os.Exit(1)
		}
		cfg.DBPath = filepath.Join(dir, "rollupd.db")
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	comp, err := compiler.NewFromFile(cfg.SchemaPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load schema: %v\n", err)
		os.Exit(1)
	}

	cacheBackend, err := cache.New(cache.Options{Driver: cfg.Cache.Driver, RedisURL: cfg.Cache.RedisURL}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open cache: %v\n", err)
		os.Exit(1)
	}
	logger.Info("cache ready", "driver", cfg.Cache.Driver)

	c, err := core.New(core.Options{
		Config:   cfg,
		Compiler: comp,
		Registry: driver.NewDefaultRegistry(logger),
		Cache:    cacheBackend,
		Store:    st,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create core: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(cfg, c, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var loop *scheduler.Loop
	if cfg.ScheduledRefresh.Enabled {
		loop = scheduler.NewLoop(func(ctx context.Context) error {
			_, err := c.HandleScheduledRefreshInterval(ctx)
			return err
		}, scheduler.LoopConfig{Interval: cfg.ScheduledRefresh.Timer}, logger)
		go func() {
			if err := loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("refresh timer failed", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop the refresh timer before the HTTP server.
	if loop != nil {
		if err := loop.Stop(); err != nil {
			logger.Error("refresh timer stop error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Error("release connections", "error", err)
	}
	logger.Info("server stopped")
}
