package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/platinummonkey/freightline/pkg/config"
	"github.com/platinummonkey/freightline/pkg/credits"
	"github.com/platinummonkey/freightline/pkg/observability"
	"github.com/platinummonkey/freightline/pkg/storage/postgres"
	"github.com/platinummonkey/freightline/pkg/usage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	envFile           = flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	rolloverSchedule  = flag.String("rollover-schedule", "", "Cron schedule for period rollover (overrides FREIGHTLINE_ROLLOVER_SCHEDULE)")
	reconcileSchedule = flag.String("reconcile-schedule", "30 3 * * *", "Cron schedule for ledger reconciliation (default: 03:30 daily)")
	runOnce           = flag.Bool("run-once", false, "Run rollover and reconciliation once and exit")
)

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

	if cfg.Storage.Type != "postgres" {
		logger.Fatal("Housekeeper requires postgres storage")
	}

	cm, store, err := postgres.Open(context.Background(), cfg.Storage, logger, nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open postgres")
	}
	defer cm.Close()

	usageSvc := usage.NewService(store, store, logger, nil)
	usageSvc.SetRolloverConcurrency(cfg.Housekeeper.Concurrency)
	h := &housekeeper{
		usage:     usageSvc,
		ledger:    credits.NewLedger(store, usageSvc, logger, nil),
		companies: store,
		logger:    logger,
		timeout:   cfg.Housekeeper.Timeout,
	}

	if *runOnce {
		report, err := h.rollover()
		if err != nil {
			logger.WithError(err).Fatal("Rollover failed")
		}
		if _, err := h.reconcile(); err != nil {
			logger.WithError(err).Fatal("Reconciliation failed")
		}
		if report.Failed > 0 {
			os.Exit(2)
		}
		return
	}

	schedule := cfg.Housekeeper.Schedule
	if *rolloverSchedule != "" {
		schedule = *rolloverSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, h.job("rollover", func() error {
		_, err := h.rollover()
		return err
	})); err != nil {
		logger.WithError(err).Fatal("Failed to schedule rollover")
	}
	if _, err := c.AddFunc(*reconcileSchedule, h.job("reconcile", func() error {
		_, err := h.reconcile()
		return err
	})); err != nil {
		logger.WithError(err).Fatal("Failed to schedule reconciliation")
	}

	c.Start()
	logger.WithFields(logrus.Fields{
		"rollover_schedule":  schedule,
		"reconcile_schedule": *reconcileSchedule,
	}).Info("Housekeeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully")

	<-c.Stop().Done()
	logger.Info("Housekeeper stopped")
}
