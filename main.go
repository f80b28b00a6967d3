package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"tickerflow/config"
	"tickerflow/internal/collector"
	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/reader"
	"tickerflow/reader/coingecko"
	"tickerflow/writer"
)

const (
	reportInterval = 30 * time.Second

	// shutdownGrace bounds how long a cycle in progress may delay exit
	// after the first signal.
	shutdownGrace = 10 * time.Second
)

// StartupError is returned when the process cannot begin collecting.
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("startup: %s: %v", e.Reason, e.Err)
	}
	return "startup: " + e.Reason
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// parseAssetID returns the single positional argument. The id names a
// directory, so it must be one path element.
func parseAssetID(args []string) (string, error) {
	if len(args) == 0 {
		return "", &StartupError{Reason: "missing asset id argument (usage: tickerflow [-config path] <asset-id>)"}
	}
	if len(args) > 1 {
		return "", &StartupError{Reason: fmt.Sprintf("expected one asset id, got %d arguments", len(args))}
	}

	assetID := strings.TrimSpace(args[0])
	switch {
	case assetID == "":
		return "", &StartupError{Reason: "asset id is empty"}
	case assetID == "." || assetID == "..":
		return "", &StartupError{Reason: fmt.Sprintf("asset id %q is not a valid directory name", assetID)}
	case strings.ContainsAny(assetID, `/\`):
		return "", &StartupError{Reason: fmt.Sprintf("asset id %q contains a path separator", assetID)}
	}
	return assetID, nil
}

// errorKind names the error class for the exit log line.
func errorKind(err error) string {
	var startupErr *StartupError
	var fetchErr *reader.FetchError
	var persistErr *writer.PersistenceError

	switch {
	case errors.As(err, &startupErr):
		return "startup"
	case errors.As(err, &fetchErr):
		return "fetch"
	case errors.As(err, &persistErr):
		return "persistence"
	default:
		return "unknown"
	}
}

// watchSignals cancels the collector on the first signal. A second signal,
// or a cycle still running after grace, ends the process through exit.
// It returns without exiting once done is closed.
func watchSignals(log *logger.Log, sigs <-chan os.Signal, done <-chan struct{}, cancel context.CancelFunc, grace time.Duration, exit func(int)) {
	select {
	case sig := <-sigs:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	case <-done:
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case sig := <-sigs:
		log.WithFields(logger.Fields{"signal": sig.String()}).Warn("second shutdown signal received; exiting without finishing the cycle")
		exit(1)
	case <-timer.C:
		log.WithFields(logger.Fields{"grace": grace.String()}).Warn("cycle still running after grace period; exiting")
		exit(1)
	case <-done:
	}
}

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	if err := run(*configPath, flag.Args()); err != nil {
		log.WithError(err).WithFields(logger.Fields{"kind": errorKind(err)}).Error("tickerflow terminated")
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	log := logger.GetLogger()

	assetID, err := parseAssetID(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return &StartupError{Reason: "load configuration", Err: err}
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return &StartupError{Reason: "configure logger", Err: err}
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Tickerflow.Name,
		"version":     cfg.Tickerflow.Version,
		"run_id":      uuid.NewString(),
		"asset_id":    assetID,
		"environment": env,
		"data_dir":    cfg.Collector.DataDir,
		"interval":    cfg.Collector.Interval.String(),
	}).Info("starting tickerflow")
	log.WithComponent("coingecko").Info(coingecko.Attribution)

	if config.IsProductionLike(env) && cfg.Source.CoinGecko.APIKey == "" {
		log.WithComponent("main").Warn("no CoinGecko API key configured; public rate limits apply")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if logger.IsReportLevel(cfg.Logging.Level) {
		logger.StartReport(ctx, log, reportInterval, cfg.Collector.DataDir)
		defer metrics.UnregisterHandler(metrics.RegisterHandler(metrics.CountForReport))
	}

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.DashboardName)
		defer metrics.FlushMetrics(context.Background())
	}

	opts := []collector.Option{
		collector.WithInterval(cfg.Collector.Interval),
		collector.WithLogger(log),
	}
	if cfg.Storage.S3.Enabled {
		archiver, err := writer.NewS3Archiver(ctx, cfg)
		if err != nil {
			return &StartupError{Reason: "create s3 archiver", Err: err}
		}
		opts = append(opts, collector.WithArchiver(archiver))
	} else {
		log.WithComponent("main").Info("S3 storage disabled; cycles are kept on local disk only")
	}

	client := coingecko.NewClient(cfg.Source.CoinGecko.BaseURL,
		coingecko.WithAPIKey(cfg.Source.CoinGecko.APIKey),
		coingecko.WithTimeout(cfg.Source.CoinGecko.Timeout),
		coingecko.WithRequestsPerMinute(cfg.Source.CoinGecko.RequestsPerMinute),
		coingecko.WithPage(cfg.Source.CoinGecko.Page),
		coingecko.WithOrder(cfg.Source.CoinGecko.Order),
		coingecko.WithLogger(log),
	)

	c := collector.New(assetID, client, writer.NewSeriesStore(cfg.Collector.DataDir), opts...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go watchSignals(log, sigChan, done, cancel, shutdownGrace, os.Exit)

	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("tickerflow stopped")
		return nil
	}
	return err
}
