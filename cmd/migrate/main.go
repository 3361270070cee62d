package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/homestats/hass2influx/internal/archive"
	"github.com/homestats/hass2influx/internal/checkpoint"
	"github.com/homestats/hass2influx/internal/config"
	"github.com/homestats/hass2influx/internal/logger"
	"github.com/homestats/hass2influx/internal/repository"
	"github.com/homestats/hass2influx/internal/service"
	"github.com/homestats/hass2influx/internal/sink"
)

func main() {
	appLogger := logger.New(logger.FromEnv())
	logger.SetDefault(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	dryRun := flag.Bool("dry-run", false, "Classify and validate without writing or checkpointing")
	reset := flag.Bool("reset", false, "Discard any existing checkpoint and start over")
	limit := flag.Int("limit", 0, "Stop after exporting this many entities (0 = no limit)")
	entityFilter := flag.String("entity-filter", "", "Glob or substring restricting export to matching entity ids")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}
	if !*dryRun {
		if err := cfg.ValidateSink(); err != nil {
			appLogger.WithError(err).Fatal("Invalid sink configuration")
		}
	}

	appLogger.WithFields(logger.Fields{
		"source_driver": cfg.Source.Driver,
		"influx_url":    cfg.Influx.URL,
		"dry_run":       *dryRun,
		"reset":         *reset,
	}).Info("Starting migration run")

	db, err := repository.OpenSource(&cfg.Source)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to open source database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, finishing current batch...")
		cancel()
	}()

	influx := sink.NewClient(&cfg.Influx)
	if !*dryRun {
		if err := influx.Health(ctx); err != nil {
			appLogger.WithError(err).Fatal("InfluxDB unavailable")
		}
		for _, bucket := range []string{cfg.Influx.BucketRecent, cfg.Influx.BucketHistorical} {
			if err := influx.BucketExists(ctx, bucket); err != nil {
				appLogger.WithError(err).Fatal("Bucket verification failed")
			}
		}
	}

	var archiver archive.Uploader
	if cfg.Archive.Enabled {
		s3Archive, err := archive.NewS3Archive(&cfg.Archive)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize archive storage")
		}
		archiver = s3Archive
	}

	pipeline := service.NewPipeline(
		cfg,
		repository.NewMetadataStream(db, cfg.Migrate.MetadataPageSize),
		repository.NewRecordStream(db, cfg.Migrate.RecordBatchSize),
		influx,
		checkpoint.NewStore(cfg.Migrate.CheckpointPath, appLogger),
		archiver,
		appLogger,
	)

	stats, err := pipeline.Run(ctx, service.Options{
		DryRun:       *dryRun,
		Reset:        *reset,
		Limit:        *limit,
		EntityFilter: *entityFilter,
	})
	if err != nil {
		appLogger.WithError(err).Fatal("Migration aborted")
	}

	appLogger.WithFields(logger.Fields{
		"seen":     stats.EntitiesSeen,
		"accepted": stats.EntitiesAccepted,
		"exported": stats.EntitiesExported,
		"skipped":  stats.EntitiesSkipped,
		"failed":   stats.EntitiesFailed,
		"points":   stats.PointsWritten,
	}).Info("Migration completed")

	if stats.EntitiesFailed > 0 {
		os.Exit(1)
	}
}
