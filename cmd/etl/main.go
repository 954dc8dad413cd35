package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/velodata/cycling-data-etl/internal/adapter/ceda"
	"github.com/velodata/cycling-data-etl/internal/adapter/duckdb"
	httpadapter "github.com/velodata/cycling-data-etl/internal/adapter/http"
	kafkaadapter "github.com/velodata/cycling-data-etl/internal/adapter/kafka"
	"github.com/velodata/cycling-data-etl/internal/adapter/objstore"
	"github.com/velodata/cycling-data-etl/internal/adapter/tfl"
	"github.com/velodata/cycling-data-etl/internal/catalog"
	"github.com/velodata/cycling-data-etl/internal/config"
	"github.com/velodata/cycling-data-etl/internal/domain"
	"github.com/velodata/cycling-data-etl/internal/fetcher"
	"github.com/velodata/cycling-data-etl/internal/loader"
	"github.com/velodata/cycling-data-etl/internal/observability"
	"github.com/velodata/cycling-data-etl/internal/pipeline"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var force bool

	root := &cobra.Command{
		Use:           "etl",
		Short:         "Ingest cycling open data into the analytical warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&force, "force", false, "refetch partitions even when their artifact exists")

	root.AddCommand(
		newStationsCmd(&force),
		newTripsCmd(&force),
		newWeatherCmd(&force),
	)
	return root
}

func newStationsCmd(force *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stations",
		Short: "Refresh the station dimension from the BikePoint API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(*force, func(ctx context.Context, p *pipeline.Pipeline) error {
				return p.RunStations(ctx)
			})
		},
	}
}

func newTripsCmd(force *bool) *cobra.Command {
	var partitions []int
	var latest int

	cmd := &cobra.Command{
		Use:   "trips",
		Short: "Ingest usage-stats trip partitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(*force, func(ctx context.Context, p *pipeline.Pipeline) error {
				return p.RunTrips(ctx, partitions, latest)
			})
		},
	}
	cmd.Flags().IntSliceVar(&partitions, "partition", nil, "explicit partition sequence numbers")
	cmd.Flags().IntVar(&latest, "latest", 4, "number of newest partitions when none are given explicitly")
	return cmd
}

func newWeatherCmd(force *bool) *cobra.Command {
	var months []int
	var latest int

	cmd := &cobra.Command{
		Use:   "weather",
		Short: "Ingest weather join partitions from the HadUK-Grid archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(*force, func(ctx context.Context, p *pipeline.Pipeline) error {
				return p.RunWeather(ctx, months, latest)
			})
		},
	}
	cmd.Flags().IntSliceVar(&months, "month", nil, "explicit months as yyyymm")
	cmd.Flags().IntVar(&latest, "latest", 2, "number of newest complete months when none are given explicitly")
	return cmd
}

// run assembles the service, starts the operational HTTP server, executes
// one flow, and tears everything down.
func run(force bool, flow func(ctx context.Context, p *pipeline.Pipeline) error) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}

	store, err := objstore.Connect(cfg.S3Region, cfg.S3Endpoint, cfg.S3Bucket)
	if err != nil {
		logger.Error("object store connect failed", "error", err)
		return err
	}

	sink, err := duckdb.Open(ctx, cfg.DuckDBPath)
	if err != nil {
		logger.Error("warehouse open failed", "error", err)
		return err
	}
	defer sink.Close()

	var events pipeline.EventPublisher
	if cfg.KafkaEnabled {
		writer := kafkaadapter.NewWriter(cfg.Brokers(), cfg.KafkaTopic, logger)
		defer writer.Close()
		events = writer
		logger.Info("load event publishing enabled", "topic", cfg.KafkaTopic)
	}

	tflClient := tfl.New(logger, tflOptions(cfg)...)
	cedaClient := ceda.New(logger, cfg.CEDAVersion, cfg.CEDASession, domain.WeatherMetrics, cedaOptions(cfg)...)

	p := pipeline.New(pipeline.Options{
		Trips:         catalog.New(domain.DatasetTrips, tflClient, logger),
		Weather:       catalog.New(domain.DatasetWeather, cedaClient, logger),
		Fetcher:       fetcher.New(fetcher.Policy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay}, metrics, logger),
		TripSource:    tflClient,
		StationSource: tflClient,
		WeatherSource: cedaClient,
		Store:         store,
		Warehouse:     loader.New(sink, logger),
		Events:        events,
		Metrics:       metrics,
		Logger:        logger,
		Workdir:       cfg.WorkDir,
		Concurrency:   cfg.Concurrency,
		Force:         force,
	})

	ready := func(ctx context.Context) error {
		var one int
		return sink.QueryRow(ctx, "SELECT 1").Scan(&one)
	}
	srv := httpadapter.NewServer(cfg.HTTPAddr, ready, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}()

	if err := flow(ctx, p); err != nil {
		logger.Error("run failed", "error", err)
		return err
	}
	logger.Info("run complete")
	return nil
}

func tflOptions(cfg *config.Config) []tfl.Option {
	var opts []tfl.Option
	if cfg.TfLBucketURL != "" {
		opts = append(opts, tfl.WithBucketURL(cfg.TfLBucketURL))
	}
	if cfg.TfLAPIURL != "" {
		opts = append(opts, tfl.WithAPIURL(cfg.TfLAPIURL))
	}
	return opts
}

func cedaOptions(cfg *config.Config) []ceda.Option {
	var opts []ceda.Option
	if cfg.CEDABaseURL != "" {
		opts = append(opts, ceda.WithBaseURL(cfg.CEDABaseURL))
	}
	return opts
}
