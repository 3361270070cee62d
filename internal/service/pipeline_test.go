package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/homestats/hass2influx/internal/archive"
	"github.com/homestats/hass2influx/internal/checkpoint"
	"github.com/homestats/hass2influx/internal/config"
	"github.com/homestats/hass2influx/internal/domain"
	"github.com/homestats/hass2influx/internal/logger"
	"github.com/homestats/hass2influx/internal/repository"
	"github.com/homestats/hass2influx/internal/sink"
)

const testSchema = `
CREATE TABLE statistics_meta (
    id INTEGER PRIMARY KEY,
    statistic_id TEXT NOT NULL,
    source TEXT NOT NULL,
    unit_of_measurement TEXT
);
CREATE TABLE states_meta (
    metadata_id INTEGER PRIMARY KEY,
    entity_id TEXT NOT NULL
);
CREATE TABLE states (
    state_id INTEGER PRIMARY KEY,
    metadata_id INTEGER,
    attributes_id INTEGER
);
CREATE TABLE state_attributes (
    attributes_id INTEGER PRIMARY KEY,
    shared_attrs TEXT
);
CREATE TABLE statistics_short_term (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    metadata_id INTEGER NOT NULL,
    start_ts INTEGER NOT NULL,
    mean REAL,
    min REAL,
    max REAL,
    state REAL,
    sum REAL
);
CREATE TABLE statistics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    metadata_id INTEGER NOT NULL,
    start_ts INTEGER NOT NULL,
    mean REAL,
    min REAL,
    max REAL,
    state REAL,
    sum REAL
);
`

// fakeSink records writes in memory. failFirst makes the first N write
// calls fail to exercise retry and failure isolation.
type fakeSink struct {
	mu        sync.Mutex
	writes    map[string][]sink.Point
	calls     int
	failFirst int
}

func newFakeSink() *fakeSink {
	return &fakeSink{writes: make(map[string][]sink.Point)}
}

func (s *fakeSink) BucketFor(tier domain.SeriesTier) string {
	if tier == domain.TierShortTerm {
		return "recent"
	}
	return "historical"
}

func (s *fakeSink) WritePoints(ctx context.Context, bucket string, points []sink.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return errors.New("sink unavailable")
	}
	s.writes[bucket] = append(s.writes[bucket], points...)
	return nil
}

func (s *fakeSink) points(bucket string) []sink.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.Point(nil), s.writes[bucket]...)
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *fakeUploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return nil
}

func minF(v float64) *float64 { return &v }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Migrate: config.MigrateConfig{
			MetadataPageSize: 100,
			RecordBatchSize:  100,
			CheckpointPath:   filepath.Join(t.TempDir(), "checkpoint.json"),
			ProgressInterval: 10,
			Retry: config.RetryConfig{
				MaxAttempts:  1,
				InitialDelay: time.Millisecond,
				MaxDelay:     time.Millisecond,
			},
		},
		Filter: config.FilterConfig{
			Domains:         []string{"sensor"},
			Units:           []string{"°C", "kWh"},
			ExcludePatterns: []string{"*status*"},
		},
		Quality: config.QualityConfig{
			AutoCorrect: true,
			Bounds: map[string]config.Bound{
				"temperature": {Min: minF(-50), Max: minF(80)},
			},
			MinTimestamp: 1420070400,
			MaxTimestamp: 2051222400,
		},
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recorder.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Exec(testSchema).Error)
	return db
}

func seedMeta(t *testing.T, db *gorm.DB, id int64, statisticID, unit string) {
	t.Helper()
	require.NoError(t, db.Exec(
		"INSERT INTO statistics_meta (id, statistic_id, source, unit_of_measurement) VALUES (?, ?, 'recorder', ?)",
		id, statisticID, unit,
	).Error)
}

func seedShortTerm(t *testing.T, db *gorm.DB, metadataID, startTS int64, mean interface{}) {
	t.Helper()
	require.NoError(t, db.Exec(
		"INSERT INTO statistics_short_term (metadata_id, start_ts, mean) VALUES (?, ?, ?)",
		metadataID, startTS, mean,
	).Error)
}

func newTestPipeline(t *testing.T, cfg *config.Config, db *gorm.DB, snk Sink, archiver archive.Uploader) *Pipeline {
	t.Helper()
	log := logger.Default()
	return NewPipeline(
		cfg,
		repository.NewMetadataStream(db, cfg.Migrate.MetadataPageSize),
		repository.NewRecordStream(db, cfg.Migrate.RecordBatchSize),
		snk,
		checkpoint.NewStore(cfg.Migrate.CheckpointPath, log),
		archiver,
		log,
	)
}

func TestRunValidatesAndWrites(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.living_room_temp", "°C")
	seedShortTerm(t, db, 1, 1700000000, 21.0)
	seedShortTerm(t, db, 1, 1700000300, 999.0) // clamps to the 80 bound
	seedShortTerm(t, db, 1, 1700000600, nil)   // gap, dropped

	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, nil)

	stats, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.EntitiesSeen)
	assert.Equal(t, 1, stats.EntitiesAccepted)
	assert.Equal(t, 1, stats.EntitiesExported)
	assert.Equal(t, 0, stats.EntitiesFailed)
	assert.Equal(t, int64(2), stats.PointsWritten)
	assert.Equal(t, 1, stats.Quality.Passed)
	assert.Equal(t, 1, stats.Quality.Corrected)
	assert.Equal(t, 1, stats.Quality.Dropped)

	points := snk.points("recent")
	require.Len(t, points, 2)
	assert.Equal(t, 21.0, points[0].Value)
	assert.Equal(t, 80.0, points[1].Value)
	assert.Equal(t, "°C", points[0].Measurement)
	assert.Equal(t, "living_room_temp", points[0].Tags["entity_id"])
	assert.Equal(t, "migration", points[0].Tags["source"])

	// Fully successful run removes the checkpoint.
	_, statErr := os.Stat(cfg.Migrate.CheckpointPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRoutesTiersToBuckets(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.temp", "°C")
	seedShortTerm(t, db, 1, 1700000000, 20.0)
	require.NoError(t, db.Exec(
		"INSERT INTO statistics (metadata_id, start_ts, mean) VALUES (1, 1690000000, 19.0)",
	).Error)

	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, nil)

	_, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Len(t, snk.points("recent"), 1)
	assert.Len(t, snk.points("historical"), 1)
}

func TestRunDryRunWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.temp", "°C")
	seedShortTerm(t, db, 1, 1700000000, 20.0)

	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, nil)

	stats, err := p.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	// Classification and validation run fully, the sink stays untouched.
	assert.Equal(t, 1, stats.EntitiesExported)
	assert.Equal(t, 1, stats.Quality.Passed)
	assert.Empty(t, snk.points("recent"))

	_, statErr := os.Stat(cfg.Migrate.CheckpointPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunIsolatesEntityFailure(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.broken", "°C")
	seedMeta(t, db, 2, "sensor.healthy", "°C")
	seedShortTerm(t, db, 1, 1700000000, 20.0)
	seedShortTerm(t, db, 2, 1700000000, 21.0)

	snk := newFakeSink()
	snk.failFirst = 1 // first write call fails, the rest succeed
	p := newTestPipeline(t, cfg, db, snk, nil)

	stats, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.EntitiesFailed)
	assert.Equal(t, 1, stats.EntitiesExported)
	assert.Contains(t, stats.FailedEntities, "sensor.broken")
	require.Len(t, snk.points("recent"), 1)
	assert.Equal(t, "healthy", snk.points("recent")[0].Tags["entity_id"])

	// Failure keeps the checkpoint for the next run.
	_, statErr := os.Stat(cfg.Migrate.CheckpointPath)
	assert.NoError(t, statErr)
}

// An interrupted run and a clean run must converge on the same sink
// contents: the retry resumes after the high-water mark instead of
// re-exporting or skipping.
func TestRunResumeAfterFailure(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.temp", "°C")
	for i := int64(0); i < 5; i++ {
		seedShortTerm(t, db, 1, 1700000000+i*300, 20.0+float64(i))
	}

	failing := newFakeSink()
	failing.failFirst = 1000 // everything fails
	p := newTestPipeline(t, cfg, db, failing, nil)

	stats, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntitiesFailed)
	assert.Empty(t, failing.points("recent"))

	healthy := newFakeSink()
	p2 := newTestPipeline(t, cfg, db, healthy, nil)
	stats2, err := p2.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats2.EntitiesExported)
	assert.Equal(t, 0, stats2.EntitiesFailed)

	points := healthy.points("recent")
	require.Len(t, points, 5)
	for i, pt := range points {
		assert.Equal(t, int64(1700000000+int64(i)*300), pt.Timestamp)
	}
}

func TestRunSkipsCompletedEntities(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.temp", "°C")
	seedShortTerm(t, db, 1, 1700000000, 20.0)

	// Pre-mark the entity as completed by a previous run.
	store := checkpoint.NewStore(cfg.Migrate.CheckpointPath, logger.Default())
	state := checkpoint.NewState()
	state.MarkCompleted("sensor.temp")
	require.NoError(t, store.Save(state))

	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, nil)

	stats, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntitiesSkipped)
	assert.Equal(t, 0, stats.EntitiesExported)
	assert.Empty(t, snk.points("recent"))
}

func TestRunReset(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.temp", "°C")
	seedShortTerm(t, db, 1, 1700000000, 20.0)

	store := checkpoint.NewStore(cfg.Migrate.CheckpointPath, logger.Default())
	state := checkpoint.NewState()
	state.MarkCompleted("sensor.temp")
	require.NoError(t, store.Save(state))

	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, nil)

	stats, err := p.Run(context.Background(), Options{Reset: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntitiesExported)
	assert.Len(t, snk.points("recent"), 1)
}

func TestRunEntityFilter(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.kitchen_temp", "°C")
	seedMeta(t, db, 2, "sensor.garage_temp", "°C")
	seedShortTerm(t, db, 1, 1700000000, 20.0)
	seedShortTerm(t, db, 2, 1700000000, 21.0)

	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, nil)

	stats, err := p.Run(context.Background(), Options{EntityFilter: "sensor.kitchen*"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntitiesExported)
	assert.Equal(t, 1, stats.EntitiesSkipped)
	require.Len(t, snk.points("recent"), 1)
	assert.Equal(t, "kitchen_temp", snk.points("recent")[0].Tags["entity_id"])
}

func TestMatchFilter(t *testing.T) {
	assert.True(t, matchFilter("", "sensor.anything"))
	assert.True(t, matchFilter("sensor.kitchen*", "sensor.kitchen_temp"))
	assert.False(t, matchFilter("sensor.kitchen*", "sensor.garage_temp"))
	// A bare word is a substring match.
	assert.True(t, matchFilter("kitchen", "sensor.kitchen_temp"))
	assert.False(t, matchFilter("kitchen", "sensor.garage_temp"))
}

func TestRunLimit(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	for i := int64(1); i <= 3; i++ {
		seedMeta(t, db, i, fmt.Sprintf("sensor.temp_%d", i), "°C")
		seedShortTerm(t, db, i, 1700000000, 20.0)
	}

	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, nil)

	stats, err := p.Run(context.Background(), Options{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntitiesExported)

	// A truncated run keeps its checkpoint.
	_, statErr := os.Stat(cfg.Migrate.CheckpointPath)
	assert.NoError(t, statErr)
}

func TestRunRejectedEntitiesNeverReachSink(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.hub_status", "°C") // excluded by pattern
	seedMeta(t, db, 2, "light.lamp", "%")         // domain not allowed
	seedShortTerm(t, db, 1, 1700000000, 20.0)
	seedShortTerm(t, db, 2, 1700000000, 50.0)

	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, nil)

	stats, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EntitiesSeen)
	assert.Equal(t, 0, stats.EntitiesAccepted)
	assert.Empty(t, snk.points("recent"))
}

func TestRunArchivesOnSuccess(t *testing.T) {
	cfg := testConfig(t)
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.temp", "°C")
	seedShortTerm(t, db, 1, 1700000000, 20.0)

	uploader := &fakeUploader{}
	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, uploader)

	stats, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, uploader.keys, 2)
	assert.Equal(t, "runs/"+stats.RunID+"/checkpoint.json", uploader.keys[0])
	assert.Equal(t, "runs/"+stats.RunID+"/report.json", uploader.keys[1])
}

func TestRunWithPrefetch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Migrate.Prefetch = true
	cfg.Migrate.RecordBatchSize = 2
	db := openTestDB(t)
	seedMeta(t, db, 1, "sensor.temp", "°C")
	for i := int64(0); i < 7; i++ {
		seedShortTerm(t, db, 1, 1700000000+i*300, 20.0)
	}

	snk := newFakeSink()
	p := newTestPipeline(t, cfg, db, snk, nil)

	stats, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.PointsWritten)
	assert.Len(t, snk.points("recent"), 7)
}
