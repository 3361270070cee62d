// Package service orchestrates the migration: scanning metadata,
// classifying entities, validating their history and streaming it into
// the sink under checkpoint protection.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/homestats/hass2influx/internal/archive"
	"github.com/homestats/hass2influx/internal/checkpoint"
	"github.com/homestats/hass2influx/internal/classifier"
	"github.com/homestats/hass2influx/internal/config"
	"github.com/homestats/hass2influx/internal/domain"
	"github.com/homestats/hass2influx/internal/logger"
	"github.com/homestats/hass2influx/internal/quality"
	"github.com/homestats/hass2influx/internal/repository"
	"github.com/homestats/hass2influx/internal/retry"
	"github.com/homestats/hass2influx/internal/sink"
)

// Sink is the write side of the pipeline. Satisfied by sink.Client;
// tests substitute an in-memory fake.
type Sink interface {
	BucketFor(tier domain.SeriesTier) string
	WritePoints(ctx context.Context, bucket string, points []sink.Point) error
}

// Options are the per-invocation knobs of a run.
type Options struct {
	DryRun       bool   // classify and validate, write nothing, leave the checkpoint alone
	Reset        bool   // discard any existing checkpoint before starting
	Limit        int    // stop after exporting this many entities; 0 means no limit
	EntityFilter string // glob or substring on external ids; empty matches everything
}

// RunStats summarizes a finished or aborted run.
type RunStats struct {
	RunID            string             `json:"run_id"`
	DryRun           bool               `json:"dry_run"`
	EntitiesSeen     int                `json:"entities_seen"`
	EntitiesAccepted int                `json:"entities_accepted"`
	EntitiesExported int                `json:"entities_exported"`
	EntitiesSkipped  int                `json:"entities_skipped"`
	EntitiesFailed   int                `json:"entities_failed"`
	PointsWritten    int64              `json:"points_written"`
	Duration         time.Duration      `json:"duration"`
	Classification   *classifier.Tally  `json:"classification"`
	Quality          *quality.Report    `json:"quality"`
	FailedEntities   map[string]string  `json:"failed_entities,omitempty"`
}

// Pipeline wires the stages together. Construct with NewPipeline, then
// call Run once; a Pipeline is not reusable across runs.
type Pipeline struct {
	cfg        *config.Config
	metadata   *repository.MetadataStream
	records    *repository.RecordStream
	classifier *classifier.Classifier
	gate       *quality.Gate
	sink       Sink
	store      *checkpoint.Store
	archiver   archive.Uploader // nil disables archival
	log        *logger.Logger
}

func NewPipeline(
	cfg *config.Config,
	metadata *repository.MetadataStream,
	records *repository.RecordStream,
	snk Sink,
	store *checkpoint.Store,
	archiver archive.Uploader,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		metadata:   metadata,
		records:    records,
		classifier: classifier.New(&cfg.Filter),
		gate:       quality.NewGate(&cfg.Quality),
		sink:       snk,
		store:      store,
		archiver:   archiver,
		log:        log,
	}
}

// Run executes the migration. It returns stats for the run alongside any
// terminal error; per-entity failures are isolated and reported in the
// stats rather than aborting the run.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*RunStats, error) {
	started := time.Now()

	state := p.loadState(opts)
	log := p.log.WithField(logger.FieldRunID, state.RunID)

	stats := &RunStats{
		RunID:          state.RunID,
		DryRun:         opts.DryRun,
		Classification: classifier.NewTally(),
		Quality:        quality.NewReport(),
	}

	total, err := p.metadata.EstimateCount(ctx)
	if err != nil {
		return stats, err
	}
	log.WithFields(logger.Fields{
		"entities":  total,
		"dry_run":   opts.DryRun,
		"resume_at": state.MetadataCursor,
	}).Info("Starting migration")

	retryCfg := retry.Config{
		MaxAttempts:  p.cfg.Migrate.Retry.MaxAttempts,
		InitialDelay: p.cfg.Migrate.Retry.InitialDelay,
		MaxDelay:     p.cfg.Migrate.Retry.MaxDelay,
		Retryable:    func(err error) bool { return !errors.Is(err, sink.ErrAuth) },
		Logger:       log,
	}

	truncated := false
	pager := p.metadata.WithRetry(retryCfg).Pages(ctx, state.MetadataCursor)

scan:
	for pager.Next() {
		for _, entity := range pager.Page() {
			stats.EntitiesSeen++

			result := p.classifier.Classify(entity)
			stats.Classification.Observe(result)
			if !result.Accepted {
				continue
			}
			stats.EntitiesAccepted++

			if !matchFilter(opts.EntityFilter, entity.ExternalID) {
				stats.EntitiesSkipped++
				continue
			}
			if state.IsCompleted(entity.ExternalID) {
				stats.EntitiesSkipped++
				continue
			}

			err := p.exportEntity(ctx, state, entity, result, opts, retryCfg, stats)
			switch {
			case err == nil:
				state.MarkCompleted(entity.ExternalID)
				stats.EntitiesExported++
				if err := p.persist(state, opts); err != nil {
					return stats, err
				}
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				p.persist(state, opts)
				return stats, err
			case errors.Is(err, sink.ErrAuth):
				p.persist(state, opts)
				return stats, err
			default:
				// One broken entity must not sink the run.
				log.WithError(err).WithField(logger.FieldEntity, entity.ExternalID).
					Error("Entity export failed")
				state.MarkFailed(entity.ExternalID, err)
				stats.EntitiesFailed++
				if err := p.persist(state, opts); err != nil {
					return stats, err
				}
			}

			if opts.Limit > 0 && stats.EntitiesExported >= opts.Limit {
				truncated = true
				break scan
			}
		}

		state.SetMetadataCursor(pager.Offset())
		if err := p.persist(state, opts); err != nil {
			return stats, err
		}
		log.WithFields(logger.Fields{
			"offset":   pager.Offset(),
			"entities": total,
			"accepted": stats.EntitiesAccepted,
		}).Info("Metadata page processed")
	}
	if err := pager.Err(); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(started)
	stats.FailedEntities = state.FailedEntities

	log.WithFields(logger.Fields{
		"seen":     stats.EntitiesSeen,
		"accepted": stats.EntitiesAccepted,
		"exported": stats.EntitiesExported,
		"skipped":  stats.EntitiesSkipped,
		"failed":   stats.EntitiesFailed,
		"points":   stats.PointsWritten,
		logger.FieldDurationMs: stats.Duration.Milliseconds(),
	}).Info("Migration finished")

	if !opts.DryRun && !truncated && opts.EntityFilter == "" && stats.EntitiesFailed == 0 {
		if err := p.finalize(ctx, state, stats); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// loadState resolves the starting checkpoint. A run with failed entities
// on record rescans metadata from the beginning: the failed entities'
// descriptors live in pages the cursor already passed, and completed
// entities are skipped cheaply anyway.
func (p *Pipeline) loadState(opts Options) *checkpoint.State {
	if opts.Reset {
		if err := p.store.Clear(); err != nil {
			p.log.WithError(err).Warn("Failed to remove old checkpoint")
		}
		return checkpoint.NewState()
	}
	state := p.store.Load()
	if len(state.FailedEntities) > 0 {
		p.log.WithField(logger.FieldCount, len(state.FailedEntities)).
			Info("Retrying failed entities, rescanning metadata")
		state.MetadataCursor = 0
	}
	return state
}

func (p *Pipeline) persist(state *checkpoint.State, opts Options) error {
	if opts.DryRun {
		return nil
	}
	return p.store.Save(state)
}

// exportEntity streams every tier of one entity into the sink, advancing
// the checkpoint after each confirmed batch.
func (p *Pipeline) exportEntity(
	ctx context.Context,
	state *checkpoint.State,
	entity domain.EntityDescriptor,
	result domain.ClassificationResult,
	opts Options,
	retryCfg retry.Config,
	stats *RunStats,
) error {
	log := p.log.WithField(logger.FieldEntity, entity.ExternalID)

	for _, tier := range domain.AllTiers() {
		resumeAfter := state.ResumeAfter(entity.ExternalID, string(tier))
		batcher := p.records.Batches(ctx, tier, []int64{entity.EntityKey}, resumeAfter)

		batchNum := 0
		for raw := range p.iterate(ctx, batcher) {
			batchNum++

			points := make([]sink.Point, 0, len(raw))
			for _, rec := range raw {
				outcome := p.gate.ValidateRecord(rec, result.Category)
				stats.Quality.Observe(entity.ExternalID, outcome)
				if outcome.Status == quality.StatusDropped {
					continue
				}
				points = append(points, sink.FromRecord(domain.ValidatedRecord{
					EntityKey: rec.EntityKey,
					Timestamp: rec.Timestamp,
					Value:     outcome.Value,
				}, entity, result.Category))
			}

			if !opts.DryRun && len(points) > 0 {
				bucket := p.sink.BucketFor(tier)
				err := retry.Do(ctx, retryCfg, func() error {
					return p.sink.WritePoints(ctx, bucket, points)
				})
				if err != nil {
					return fmt.Errorf("tier %s: %w", tier, err)
				}
			}
			stats.PointsWritten += int64(len(points))

			// Dropped trailing records still advance the cursor: dropping
			// is deterministic, so skipping them on resume loses nothing.
			state.SetProgress(entity.ExternalID, string(tier), raw[len(raw)-1].Timestamp)
			if err := p.persist(state, opts); err != nil {
				return err
			}

			if p.cfg.Migrate.ProgressInterval > 0 && batchNum%p.cfg.Migrate.ProgressInterval == 0 {
				log.WithFields(logger.Fields{
					logger.FieldTier:  string(tier),
					logger.FieldBatch: batchNum,
					"points":          stats.PointsWritten,
				}).Info("Export progress")
			}
		}
		if err := batcher.Err(); err != nil {
			return err
		}
	}
	return nil
}

// iterate yields batches from the batcher, optionally prefetching the
// next batch while the caller writes the current one.
func (p *Pipeline) iterate(ctx context.Context, b *repository.RecordBatcher) func(func([]domain.RawRecord) bool) {
	if !p.cfg.Migrate.Prefetch {
		return func(yield func([]domain.RawRecord) bool) {
			for b.Next() {
				if !yield(b.Batch()) {
					return
				}
			}
		}
	}

	return func(yield func([]domain.RawRecord) bool) {
		type item struct{ records []domain.RawRecord }
		ch := make(chan item, 1)
		stop := make(chan struct{})
		defer close(stop)

		go func() {
			defer close(ch)
			for b.Next() {
				// The batcher reuses its slice, so the handoff copies.
				cp := make([]domain.RawRecord, len(b.Batch()))
				copy(cp, b.Batch())
				select {
				case ch <- item{records: cp}:
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()

		for it := range ch {
			if !yield(it.records) {
				return
			}
		}
	}
}

// finalize archives the terminal checkpoint and report, then removes the
// local checkpoint so the next invocation starts clean. Archival is best
// effort: the migration itself already succeeded.
func (p *Pipeline) finalize(ctx context.Context, state *checkpoint.State, stats *RunStats) error {
	if p.archiver != nil {
		if err := p.archive(ctx, state, stats); err != nil {
			p.log.WithError(err).Warn("Failed to archive run artifacts")
		}
	}
	return p.store.Clear()
}

func (p *Pipeline) archive(ctx context.Context, state *checkpoint.State, stats *RunStats) error {
	prefix := "runs/" + state.RunID

	stateJSON, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode terminal checkpoint: %w", err)
	}
	if err := p.archiver.Upload(ctx, prefix+"/checkpoint.json", stateJSON, "application/json"); err != nil {
		return err
	}

	reportJSON, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	if err := p.archiver.Upload(ctx, prefix+"/report.json", reportJSON, "application/json"); err != nil {
		return err
	}
	p.log.WithField(logger.FieldRunID, state.RunID).Info("Run artifacts archived")
	return nil
}

// matchFilter accepts both glob patterns and plain substrings: a bare
// "kitchen" matches every entity whose id contains it.
func matchFilter(pattern, externalID string) bool {
	if pattern == "" {
		return true
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, externalID)
		return err == nil && ok
	}
	return strings.Contains(externalID, pattern)
}
