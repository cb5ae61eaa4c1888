package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/platinummonkey/freightline/pkg/config"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

var envFile = flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Billing service stopped with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := observability.StartTelemetry(ctx, cfg.Telemetry(), logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, cfg, logger, registry)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return err
	}
	if a.db != nil {
		a.db.StartMaintenance(ctx, 30*time.Second, a.metrics)
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           a.health,
		ReadHeaderTimeout: 5 * time.Second,
	}

	drainer := observability.NewDrainer(logger, cfg.Server.ShutdownTimeout)
	drainer.Intake(server, healthServer)
	drainer.OnDrain("maintenance", func(context.Context) error {
		cancel()
		return nil
	})
	for _, c := range a.closers {
		drainer.OnDrain(c.Name, c.Close)
	}
	drainer.OnDrain("telemetry", tel.Shutdown)

	errCh := make(chan error, 2)
	go func() {
		defer observability.RecoverPanic(logger, "health server")
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	go func() {
		defer observability.RecoverPanic(logger, "api server")
		logger.WithField("addr", server.Addr).Info("Billing API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- drainer.WaitForSignal(ctx) }()

	select {
	case err := <-errCh:
		logger.WithError(err).Error("Server failed, shutting down")
		if serr := drainer.Drain(); serr != nil {
			logger.WithError(serr).Error("Shutdown after server failure was not clean")
		}
		return err
	case err := <-done:
		return err
	}
}
