// Package checkpoint persists migration progress so an interrupted run
// can resume without redoing confirmed work. The format is a single JSON
// file updated after every confirmed write; anything not yet recorded is
// simply re-exported, which is safe because writes overwrite in place.
package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the checkpoint format version. A file with a
// different version is treated as absent.
const CurrentVersion = 1

// State is the persisted progress of one migration run.
type State struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MetadataCursor is the row offset of the last fully classified
	// metadata page.
	MetadataCursor int64 `json:"metadata_cursor"`

	// EntitiesCompleted holds external ids whose every tier has been
	// fully exported.
	EntitiesCompleted map[string]bool `json:"entities_completed"`

	// InProgress maps external id -> tier -> highest confirmed-written
	// timestamp. The next run resumes strictly after that timestamp.
	InProgress map[string]map[string]int64 `json:"in_progress"`

	// FailedEntities maps external id -> last error message. Failed
	// entities are retried from their high-water mark on the next run.
	FailedEntities map[string]string `json:"failed_entities"`
}

// NewState creates a fresh state for a new run.
func NewState() *State {
	now := time.Now().UTC()
	return &State{
		Version:           CurrentVersion,
		RunID:             uuid.New().String(),
		StartedAt:         now,
		UpdatedAt:         now,
		EntitiesCompleted: make(map[string]bool),
		InProgress:        make(map[string]map[string]int64),
		FailedEntities:    make(map[string]string),
	}
}

// normalize repairs nil maps after JSON decoding.
func (s *State) normalize() {
	if s.EntitiesCompleted == nil {
		s.EntitiesCompleted = make(map[string]bool)
	}
	if s.InProgress == nil {
		s.InProgress = make(map[string]map[string]int64)
	}
	if s.FailedEntities == nil {
		s.FailedEntities = make(map[string]string)
	}
}

// IsCompleted reports whether the entity was fully exported by a
// previous run.
func (s *State) IsCompleted(externalID string) bool {
	return s.EntitiesCompleted[externalID]
}

// ResumeAfter returns the highest confirmed-written timestamp for the
// entity and tier, zero when nothing was written yet.
func (s *State) ResumeAfter(externalID string, tier string) int64 {
	return s.InProgress[externalID][tier]
}

// SetProgress records the high-water timestamp of a confirmed write.
func (s *State) SetProgress(externalID string, tier string, ts int64) {
	tiers := s.InProgress[externalID]
	if tiers == nil {
		tiers = make(map[string]int64)
		s.InProgress[externalID] = tiers
	}
	tiers[tier] = ts
	s.UpdatedAt = time.Now().UTC()
}

// MarkCompleted moves the entity from in-progress to completed.
func (s *State) MarkCompleted(externalID string) {
	s.EntitiesCompleted[externalID] = true
	delete(s.InProgress, externalID)
	delete(s.FailedEntities, externalID)
	s.UpdatedAt = time.Now().UTC()
}

// MarkFailed records an entity failure. Progress already made is kept so
// the retry resumes instead of restarting.
func (s *State) MarkFailed(externalID string, err error) {
	s.FailedEntities[externalID] = err.Error()
	s.UpdatedAt = time.Now().UTC()
}

// SetMetadataCursor advances the metadata scan position.
func (s *State) SetMetadataCursor(offset int64) {
	s.MetadataCursor = offset
	s.UpdatedAt = time.Now().UTC()
}
