// Command platevoice runs the restaurant appliance gateway: it mints voice
// session credentials, serves the menu admin routes, and exposes the
// operational endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/platevoice/platevoice/internal/config"
	"github.com/platevoice/platevoice/internal/credential"
	"github.com/platevoice/platevoice/internal/gateway"
	"github.com/platevoice/platevoice/internal/health"
	"github.com/platevoice/platevoice/internal/menu/postgres"
	"github.com/platevoice/platevoice/internal/observe"
	"github.com/platevoice/platevoice/pkg/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "platevoice.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("platevoice", version.Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "platevoice: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "platevoice: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("platevoice starting",
		"version", version.Version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("failed to create database pool", "err", err)
		return 1
	}
	defer pool.Close()

	menus := postgres.NewStore(pool)
	if cfg.Database.Migrate {
		if err := menus.Migrate(ctx); err != nil {
			slog.Error("menu schema migration failed", "err", err)
			return 1
		}
		slog.Info("menu schema migrated")
	}

	// ── Credential issuer ─────────────────────────────────────────────────────
	issuerOpts := []credential.IssuerOption{}
	if cfg.OpenAI.RealtimeModel != "" {
		issuerOpts = append(issuerOpts, credential.WithRealtimeModel(cfg.OpenAI.RealtimeModel))
	}
	if cfg.OpenAI.BaseURL != "" {
		issuerOpts = append(issuerOpts, credential.WithAPIBaseURL(cfg.OpenAI.BaseURL))
	}
	if cfg.OpenAI.MintTimeout > 0 {
		issuerOpts = append(issuerOpts, credential.WithMintTimeout(cfg.OpenAI.MintTimeout))
	}
	issuer, err := credential.NewIssuer(cfg.OpenAI.APIKey, menus, issuerOpts...)
	if err != nil {
		slog.Error("failed to create credential issuer", "err", err)
		return 1
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	hc := health.New(
		health.Check{Name: "database", Probe: pool.Ping},
	)
	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	}
	if cfg.Voice.DefaultContext != "" {
		gwOpts = append(gwOpts, gateway.WithDefaultContext(cfg.Voice.DefaultContext))
	}
	srv := gateway.New(issuer, menus, hc, gwOpts...)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gateway listening", "addr", addr)
		var err error
		if cfg.Server.TLS != nil {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
