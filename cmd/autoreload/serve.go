package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/api"
	"github.com/fruitsalade/autoreload/internal/archive"
	"github.com/fruitsalade/autoreload/internal/auth"
	"github.com/fruitsalade/autoreload/internal/config"
	"github.com/fruitsalade/autoreload/internal/events"
	"github.com/fruitsalade/autoreload/internal/history"
	"github.com/fruitsalade/autoreload/internal/history/postgres"
	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/host/executor"
	localhost "github.com/fruitsalade/autoreload/internal/host/local"
	"github.com/fruitsalade/autoreload/internal/host/remote"
	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/metrics"
	"github.com/fruitsalade/autoreload/internal/reloader"
	"github.com/fruitsalade/autoreload/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection worker and the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	defer logging.Sync()

	logging.Info("autoreload starting...",
		zap.String("version", Version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("host_mode", cfg.HostMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	// Plugin host
	var (
		h     host.Host
		sched host.Scheduler
		exec  *executor.Executor
		lh    *localhost.Host
	)
	switch cfg.HostMode {
	case config.HostRemote:
		rc := remote.New(cfg.HostURL, cfg.HostToken, cfg.HostTimeout)
		h, sched = rc, rc
		logging.Info("using remote plugin host", zap.String("url", cfg.HostURL))
	default:
		exec = executor.New(0)
		exec.Start()
		defer exec.Stop()

		lh = localhost.New(cfg.PluginDirectories, exec)
		if err := lh.Bootstrap(ctx, settings.Current().Blacklisted); err != nil {
			logging.Warn("some plugins failed to load", zap.Error(err))
		}
		plugins, _ := lh.Plugins(ctx)
		logging.Info("local plugin host ready",
			zap.Strings("directories", cfg.PluginDirectories),
			zap.Int("plugins", len(plugins)))
		h, sched = lh, lh
	}

	// Reload history
	var store history.Store
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("migration failed: %w", err)
		}
		store = pg
	} else {
		store = history.NewMemory(cfg.HistoryLimit)
	}
	defer store.Close()

	observers := []reloader.Observer{history.NewRecorder(store)}

	// Plugin file archive (optional)
	backend, err := storage.New(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("archive backend init failed: %w", err)
	}
	if backend != nil {
		defer backend.Close()
		observers = append(observers, archive.New(backend))
		logging.Info("archiving applied plugin files", zap.String("backend", backend.Type()))
	}

	broadcaster := events.NewBroadcaster()

	rl := reloader.New(reloader.Config{
		Host:      h,
		Scheduler: sched,
		Settings:  settings,
		Events:    broadcaster,
		Observers: observers,
	})

	// Control API auth
	authHandler := auth.New(cfg.JWTSecret, func() int { return settings.Current().Permission })
	if cfg.OIDCIssuerURL != "" {
		oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL:       cfg.OIDCIssuerURL,
			ClientID:        cfg.OIDCClientID,
			PermissionClaim: cfg.OIDCPermissionClaim,
		})
		if err != nil {
			return fmt.Errorf("OIDC provider init failed: %w", err)
		}
		if oidcProvider != nil {
			authHandler.SetOIDCProvider(oidcProvider)
		}
	}
	if !authHandler.Enabled() {
		logging.Warn("control API authentication is disabled, set jwt_secret to enable it")
	}

	srv := api.NewServer(rl, settings, store, broadcaster, authHandler)
	if lh != nil {
		srv.SetHostHandler(remote.NewHandler(lh, lh))
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Starts the worker when enabled.
	rl.OnConfigChanged()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		rl.Stop()
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	logging.Info("control API listening", zap.String("addr", cfg.ListenAddr))
	err = httpServer.ListenAndServe()
	rl.Stop()
	rl.Join()
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logging.Info("stopped", zap.String("instance", rl.Name()))
	return nil
}
