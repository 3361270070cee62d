package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/homestats/hass2influx/internal/domain"
)

// maxInlineKeys bounds the size of the SQL IN clause when restricting a
// statistics query to a key set. SQLite caps bound parameters at 999;
// staying under it with headroom keeps the same query shape working on
// both drivers. Larger key sets fall back to scanning the table and
// filtering client-side.
const maxInlineKeys = 900

type statisticRow struct {
	MetadataID int64    `gorm:"column:metadata_id"`
	StartTS    int64    `gorm:"column:start_ts"`
	Value      *float64 `gorm:"column:value"`
}

// RecordStream pages through the statistic rows of one tier in stable
// (metadata_id, start_ts) order. The ordering is what makes a per-entity
// high-water timestamp a valid resume cursor.
type RecordStream struct {
	db        *gorm.DB
	batchSize int
}

func NewRecordStream(db *gorm.DB, batchSize int) *RecordStream {
	return &RecordStream{db: db, batchSize: batchSize}
}

// Count returns the number of rows the tier holds for the given keys.
// For key sets too large to push into SQL it returns the table total;
// an exact figure there would cost a full scan and the count is only
// used for reporting.
func (s *RecordStream) Count(ctx context.Context, tier domain.SeriesTier, keys []int64) (int64, error) {
	q := s.db.WithContext(ctx).Table(tier.Table())
	if len(keys) > 0 && len(keys) <= maxInlineKeys {
		q = q.Where("metadata_id IN ?", keys)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s rows: %w", tier.Table(), err)
	}
	return count, nil
}

// Batches returns a lazy iterator over the tier's rows for the given
// keys, starting strictly after resumeAfter. An empty key slice matches
// nothing.
func (s *RecordStream) Batches(ctx context.Context, tier domain.SeriesTier, keys []int64, resumeAfter int64) *RecordBatcher {
	b := &RecordBatcher{
		stream:      s,
		ctx:         ctx,
		tier:        tier,
		keys:        keys,
		resumeAfter: resumeAfter,
	}
	if len(keys) > maxInlineKeys {
		b.keySet = make(map[int64]bool, len(keys))
		for _, k := range keys {
			b.keySet[k] = true
		}
	}
	return b
}

// RecordBatcher iterates batches of raw records. Scanner pattern:
// for b.Next() { b.Batch() ... }; b.Err().
type RecordBatcher struct {
	stream      *RecordStream
	ctx         context.Context
	tier        domain.SeriesTier
	keys        []int64
	keySet      map[int64]bool // non-nil when filtering client-side
	resumeAfter int64
	offset      int64
	batch       []domain.RawRecord
	err         error
	done        bool
}

// Next fetches the next non-empty batch. With client-side filtering a
// fetched page may reduce to nothing; Next keeps fetching until it has
// records or the tier is exhausted.
func (b *RecordBatcher) Next() bool {
	if b.done || b.err != nil {
		return false
	}
	if len(b.keys) == 0 {
		b.done = true
		return false
	}

	for {
		if err := b.ctx.Err(); err != nil {
			b.err = err
			return false
		}

		rows, err := b.fetchPage()
		if err != nil {
			b.err = err
			return false
		}
		if len(rows) < b.stream.batchSize {
			b.done = true
		}
		b.offset += int64(len(rows))

		b.batch = b.batch[:0]
		for _, row := range rows {
			if b.keySet != nil && !b.keySet[row.MetadataID] {
				continue
			}
			b.batch = append(b.batch, domain.RawRecord{
				EntityKey: row.MetadataID,
				Timestamp: row.StartTS,
				Value:     row.Value,
				Tier:      b.tier,
			})
		}
		if len(b.batch) > 0 {
			return true
		}
		if b.done {
			return false
		}
	}
}

func (b *RecordBatcher) fetchPage() ([]statisticRow, error) {
	// The state column holds the raw meter reading for cumulative
	// sensors; mean covers the measurement sensors. Exactly one of the
	// two is populated per row style, so COALESCE picks the right one.
	query := fmt.Sprintf(`
SELECT metadata_id, start_ts, COALESCE(state, mean) AS value
FROM %s
WHERE start_ts > ?`, b.tier.Table())
	args := []interface{}{b.resumeAfter}

	if b.keySet == nil {
		query += " AND metadata_id IN ?"
		args = append(args, b.keys)
	}
	query += " ORDER BY metadata_id, start_ts LIMIT ? OFFSET ?"
	args = append(args, b.stream.batchSize, b.offset)

	var rows []statisticRow
	err := b.stream.db.WithContext(b.ctx).Raw(query, args...).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s batch at offset %d: %w", b.tier.Table(), b.offset, err)
	}
	return rows, nil
}

// Batch returns the records fetched by the last successful Next call.
// The slice is reused between calls.
func (b *RecordBatcher) Batch() []domain.RawRecord {
	return b.batch
}

func (b *RecordBatcher) Err() error {
	return b.err
}
