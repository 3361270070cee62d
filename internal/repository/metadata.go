package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/homestats/hass2influx/internal/domain"
	"github.com/homestats/hass2influx/internal/retry"
)

// metadataRow is the raw shape of one joined metadata row. The attributes
// JSON is carried as text and decoded client-side; the recorder stores it
// as an opaque blob and SQLite has no reliable JSON operators across the
// schema versions in the wild.
type metadataRow struct {
	ID          int64  `gorm:"column:id"`
	StatisticID string `gorm:"column:statistic_id"`
	Source      string `gorm:"column:source"`
	Unit        string `gorm:"column:unit_of_measurement"`
	SharedAttrs string `gorm:"column:shared_attrs"`
}

// sharedAttributes is the subset of the recorder's attribute JSON the
// migration cares about.
type sharedAttributes struct {
	FriendlyName string `json:"friendly_name"`
	DeviceClass  string `json:"device_class"`
	StateClass   string `json:"state_class"`
}

// MetadataStream pages through statistics_meta joined with the latest
// known state attributes of each entity. Pages are keyed by a stable
// ORDER BY id so an offset recorded in a checkpoint resumes exactly
// where a previous run stopped.
type MetadataStream struct {
	db       *gorm.DB
	pageSize int
	retryCfg retry.Config
}

func NewMetadataStream(db *gorm.DB, pageSize int) *MetadataStream {
	return &MetadataStream{db: db, pageSize: pageSize}
}

// WithRetry makes page fetches retry transient database errors with the
// given backoff schedule.
func (s *MetadataStream) WithRetry(cfg retry.Config) *MetadataStream {
	s.retryCfg = cfg
	return s
}

// EstimateCount returns the total number of metadata rows. The figure is
// informational: pagination terminates on a short page, not on the count.
func (s *MetadataStream) EstimateCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Table("statistics_meta").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count statistics metadata: %w", err)
	}
	return count, nil
}

// An entity can have millions of states rows; joining them directly would
// fan each metadata row out into one row per state. Reducing states to
// the single newest attributed row per entity first keeps the join at
// one output row per entity.
const metadataQuery = `
SELECT sm.id,
       sm.statistic_id,
       sm.source,
       COALESCE(sm.unit_of_measurement, '') AS unit_of_measurement,
       COALESCE(sa.shared_attrs, '') AS shared_attrs
FROM statistics_meta sm
LEFT JOIN states_meta stm ON stm.entity_id = sm.statistic_id
LEFT JOIN (
    SELECT metadata_id, MAX(state_id) AS state_id
    FROM states
    WHERE attributes_id IS NOT NULL
    GROUP BY metadata_id
) latest ON latest.metadata_id = stm.metadata_id
LEFT JOIN states st ON st.state_id = latest.state_id
LEFT JOIN state_attributes sa ON sa.attributes_id = st.attributes_id
ORDER BY sm.id
LIMIT ? OFFSET ?
`

// Pages returns a pager positioned at the given row offset. The pager is
// lazy: each Next call fetches one page.
func (s *MetadataStream) Pages(ctx context.Context, offset int64) *MetadataPager {
	return &MetadataPager{
		stream: s,
		ctx:    ctx,
		offset: offset,
	}
}

// MetadataPager iterates pages of entity descriptors. Usage follows the
// scanner pattern: for pager.Next() { pager.Page() ... }; pager.Err().
type MetadataPager struct {
	stream *MetadataStream
	ctx    context.Context
	offset int64
	page   []domain.EntityDescriptor
	err    error
	done   bool
}

// Next fetches the next page. It returns false once the stream is
// exhausted or an error occurred.
func (p *MetadataPager) Next() bool {
	if p.done || p.err != nil {
		return false
	}
	if err := p.ctx.Err(); err != nil {
		p.err = err
		return false
	}

	var rows []metadataRow
	err := retry.Do(p.ctx, p.stream.retryCfg, func() error {
		rows = rows[:0]
		return p.stream.db.WithContext(p.ctx).
			Raw(metadataQuery, p.stream.pageSize, p.offset).
			Scan(&rows).Error
	})
	if err != nil {
		p.err = fmt.Errorf("failed to fetch metadata page at offset %d: %w", p.offset, err)
		return false
	}
	if len(rows) == 0 {
		p.done = true
		return false
	}
	if len(rows) < p.stream.pageSize {
		p.done = true
	}

	p.page = make([]domain.EntityDescriptor, 0, len(rows))
	for _, row := range rows {
		p.page = append(p.page, descriptorFromRow(row))
	}
	p.offset += int64(len(rows))
	return true
}

// Page returns the descriptors fetched by the last successful Next call.
func (p *MetadataPager) Page() []domain.EntityDescriptor {
	return p.page
}

// Offset returns the row offset just past the last fetched page.
func (p *MetadataPager) Offset() int64 {
	return p.offset
}

func (p *MetadataPager) Err() error {
	return p.err
}

func descriptorFromRow(row metadataRow) domain.EntityDescriptor {
	d := domain.EntityDescriptor{
		EntityKey:  row.ID,
		ExternalID: row.StatisticID,
		Domain:     domain.DomainOf(row.StatisticID),
		Source:     row.Source,
		Unit:       row.Unit,
	}
	if row.SharedAttrs != "" {
		var attrs sharedAttributes
		// Malformed attribute JSON degrades to the fallback name rather
		// than failing the whole page.
		if err := json.Unmarshal([]byte(row.SharedAttrs), &attrs); err == nil {
			d.FriendlyName = attrs.FriendlyName
			d.DeviceClass = attrs.DeviceClass
			d.StateClass = attrs.StateClass
		}
	}
	if d.FriendlyName == "" {
		d.FriendlyName = domain.FallbackFriendlyName(row.StatisticID)
	}
	return d
}
