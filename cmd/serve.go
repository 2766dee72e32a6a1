package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telefwd/internal/config"
	"github.com/nextlevelbuilder/telefwd/internal/engine"
	"github.com/nextlevelbuilder/telefwd/internal/store"
	"github.com/nextlevelbuilder/telefwd/internal/store/pg"
	"github.com/nextlevelbuilder/telefwd/internal/store/sqlite"
	"github.com/nextlevelbuilder/telefwd/internal/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the forwarding engine",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Transport.APIID == "" || cfg.Transport.APIHash == "" {
		slog.Error("TELEFWD_TRANSPORT_API_ID and TELEFWD_TRANSPORT_API_HASH must be set")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.Watch(ctx, cfgPath, cfg); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open persistence backend", "error", err)
		os.Exit(1)
	}

	tf := &transport.TelegramFactory{APIID: cfg.Transport.APIID, APIHash: cfg.Transport.APIHash}

	eng, err := engine.New(ctx, cfg, stores, tf)
	if err != nil {
		slog.Error("failed to assemble engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(ctx); err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", eng.ControlServer().Router())
	mux.Handle("/metrics", eng.MetricsHandler())

	httpSrv := &http.Server{Addr: eng.ControlServer().Addr(), Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("control server shutdown failed", "error", err)
		}

		eng.Stop(shutdownCtx)
		cancel()
	}()

	slog.Info("telefwd starting",
		"version", Version,
		"mode", cfg.Database.Mode,
		"control_addr", httpSrv.Addr,
	)

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("control server error", "error", err)
		os.Exit(1)
	}
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	storeCfg := store.Config{
		Mode:        cfg.Database.Mode,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
	}
	if cfg.Database.IsManaged() {
		if err := pg.Migrate(cfg.Database.PostgresDSN); err != nil {
			return nil, fmt.Errorf("apply postgres migrations: %w", err)
		}
		return pg.NewStores(storeCfg)
	}
	return sqlite.NewStores(storeCfg)
}
