// Package quality validates individual statistic rows before they reach
// the sink. The gate clamps or drops, never interpolates: a synthesised
// value would be indistinguishable from a measured one downstream.
package quality

import (
	"math"

	"github.com/homestats/hass2influx/internal/config"
	"github.com/homestats/hass2influx/internal/domain"
)

// Status is the outcome class of validating one record.
type Status string

const (
	StatusPassed    Status = "passed"
	StatusCorrected Status = "corrected"
	StatusDropped   Status = "dropped"
)

// DropReason is a short diagnostic code for why a record was dropped.
type DropReason string

const (
	DropGap          DropReason = "gap"           // no value at all
	DropNonFinite    DropReason = "non_finite"    // NaN or ±Inf
	DropSentinel     DropReason = "sentinel"      // known error placeholder
	DropOutOfRange   DropReason = "out_of_range"  // outside bounds, correction off
	DropBadTimestamp DropReason = "bad_timestamp" // outside the sanity window
)

// Outcome is the result of validating a single record.
type Outcome struct {
	Status Status
	Value  float64    // meaningful for passed and corrected
	Reason DropReason // set only when dropped
}

// sentinelMagnitude flags placeholder readings some integrations emit on
// sensor error. A genuine reading of exactly ±999999 is lost; in practice
// none of the tracked units produce one.
const sentinelMagnitude = 999999

// Gate applies per-category bounds and the timestamp sanity window.
type Gate struct {
	autoCorrect  bool
	bounds       map[domain.Category]config.Bound
	minTimestamp int64
	maxTimestamp int64
}

func NewGate(cfg *config.QualityConfig) *Gate {
	g := &Gate{
		autoCorrect:  cfg.AutoCorrect,
		bounds:       make(map[domain.Category]config.Bound, len(cfg.Bounds)),
		minTimestamp: cfg.MinTimestamp,
		maxTimestamp: cfg.MaxTimestamp,
	}
	for cat, b := range cfg.Bounds {
		g.bounds[domain.Category(cat)] = b
	}
	return g
}

// ValidateValue checks a single value against the rules for its category.
// A nil value is a gap in the source data and is always dropped.
func (g *Gate) ValidateValue(value *float64, cat domain.Category) Outcome {
	if value == nil {
		return Outcome{Status: StatusDropped, Reason: DropGap}
	}
	v := *value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Outcome{Status: StatusDropped, Reason: DropNonFinite}
	}
	if math.Abs(v) == sentinelMagnitude {
		return Outcome{Status: StatusDropped, Reason: DropSentinel}
	}

	b, ok := g.bounds[cat]
	if !ok {
		return Outcome{Status: StatusPassed, Value: v}
	}
	if b.Min != nil && v < *b.Min {
		if !g.autoCorrect {
			return Outcome{Status: StatusDropped, Reason: DropOutOfRange}
		}
		return Outcome{Status: StatusCorrected, Value: *b.Min}
	}
	if b.Max != nil && v > *b.Max {
		if !g.autoCorrect {
			return Outcome{Status: StatusDropped, Reason: DropOutOfRange}
		}
		return Outcome{Status: StatusCorrected, Value: *b.Max}
	}
	return Outcome{Status: StatusPassed, Value: v}
}

// ValidateRecord applies the timestamp window and then the value rules.
func (g *Gate) ValidateRecord(rec domain.RawRecord, cat domain.Category) Outcome {
	if rec.Timestamp < g.minTimestamp || rec.Timestamp > g.maxTimestamp {
		return Outcome{Status: StatusDropped, Reason: DropBadTimestamp}
	}
	return g.ValidateValue(rec.Value, cat)
}
