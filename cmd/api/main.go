package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"modernwms.org/internal/app"
	"modernwms.org/internal/config"
	"modernwms.org/internal/httpapi"
	"modernwms.org/internal/obs"
	"modernwms.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("wms-api stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return errors.New("missing DSN: set WMS_PG_DSN or [database].dsn")
	}

	store, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	services, err := app.NewServices(cfg, store, logger)
	if err != nil {
		return err
	}

	proxies, err := cfg.HTTP.Proxies()
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: store.DB()}
	api := httpapi.New(probe, version, services.Auth, services.RBAC,
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		httpapi.WithTrustedProxies(proxies),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(probe)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go health.Run(ctx, 10*time.Second)
	go func() {
		logger.Info("grpc health listening", slog.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("starting wms-api", slog.String("version", version), slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", slog.Any("error", err))
	}

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", slog.Any("error", serr))
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
	return err
}
