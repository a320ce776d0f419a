package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/fieldmap/internal/api"
	"github.com/banshee-data/fieldmap/internal/cache"
	"github.com/banshee-data/fieldmap/internal/config"
	"github.com/banshee-data/fieldmap/internal/db"
	"github.com/banshee-data/fieldmap/internal/db/pgstore"
	"github.com/banshee-data/fieldmap/internal/fsutil"
	"github.com/banshee-data/fieldmap/internal/geo"
	"github.com/banshee-data/fieldmap/internal/monitoring"
	"github.com/banshee-data/fieldmap/internal/pipeline"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := getCLIContext(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cc.Config.Server.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cc)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address; overrides server.listen")
	return cmd
}

// openStore opens the configured measurement store. The sqlite handle is
// returned separately so its admin routes can be mounted.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (db.Store, *db.DB, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := pgstore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		open := db.OpenDB
		if cfg.MigrateOnStart {
			open = db.NewDB
		}
		d, err := open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return d, d, nil
	}
}

func runServe(ctx context.Context, cc *cliContext) error {
	cfg := cc.Config

	store, sqlite, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	var renderCache *cache.RenderCache
	if cfg.Cache.Enabled {
		renderCache, err = cache.Dial(ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, cfg.Cache.TTL)
		if err != nil {
			opsf("render cache disabled: %v", err)
		} else {
			defer renderCache.Close()
		}
	}

	opts, err := cfg.PipelineOptions()
	if err != nil {
		return err
	}
	metrics := monitoring.NewMetrics()
	renderer := pipeline.NewRenderer(opts, metrics, renderCache)

	if err := os.MkdirAll(cfg.Server.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	boundaries := geo.NewCache(fsutil.OSFileSystem{})
	if err := boundaries.Watch(ctx, cfg.Server.UploadDir); err != nil {
		opsf("boundary changes will not be noticed: %v", err)
	}

	if cc.ConfigPath != "" {
		if err := config.Watch(cc.ConfigPath, func(next *config.Config) {
			logger, err := monitoring.NewLogger(next.Log.Level, next.Log.Format)
			if err != nil {
				opsf("keeping current logger: %v", err)
				return
			}
			monitoring.UseZap(logger)
			logf("log level now %s; other settings apply on restart", next.Log.Level)
		}); err != nil {
			opsf("config reload disabled: %v", err)
		}
	}

	srv := api.NewServer(store, renderer, boundaries, metrics, api.Config{
		UploadDir:           cfg.Server.UploadDir,
		DefaultBoundary:     cfg.Render.Boundary,
		AnimationTimeout:    cfg.Animation.Timeout,
		AnimationColormap:   cfg.Animation.Colormap,
		FPS:                 cfg.Animation.FPS,
		FramesPerTransition: cfg.Animation.FramesPerTransition,
		Mode:                cfg.Animation.Mode,
	})
	mux := srv.ServeMux()
	if sqlite != nil {
		if err := sqlite.AttachAdminRoutes(mux); err != nil {
			return fmt.Errorf("mount admin routes: %w", err)
		}
	}
	srv.AttachDebugRoutes(mux)

	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      api.Handler(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var wg sync.WaitGroup
	errc := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logf("listening on %s", cfg.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		opsf("HTTP server shutdown error: %v", err)
	}
	wg.Wait()
	logf("graceful shutdown complete")
	return nil
}
