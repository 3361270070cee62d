package domain

import "strings"

// SeriesTier identifies which historical granularity a statistic row
// belongs to. The recorder keeps detailed recent rows and compressed
// long-term rows in separate tables.
type SeriesTier string

const (
	TierShortTerm SeriesTier = "short_term"
	TierLongTerm  SeriesTier = "long_term"
)

// Table returns the source table backing this tier.
func (t SeriesTier) Table() string {
	if t == TierShortTerm {
		return "statistics_short_term"
	}
	return "statistics"
}

// AllTiers returns the tiers in export order: short-term first, matching
// the order the recorder fills them.
func AllTiers() []SeriesTier {
	return []SeriesTier{TierShortTerm, TierLongTerm}
}

// EntityDescriptor describes one monitored entity, assembled per metadata
// page from the join across statistics_meta, states_meta and the latest
// state_attributes row. Immutable after construction and never persisted.
type EntityDescriptor struct {
	EntityKey    int64  // statistics_meta.id, source-internal
	ExternalID   string // stable identifier, e.g. "sensor.living_room_temp"
	Domain       string // namespace prefix of ExternalID
	Source       string // recorder integration that produced the entity
	Unit         string // unit of measurement, may be empty
	FriendlyName string // resolved from attributes, defaulted from ExternalID
	DeviceClass  string
	StateClass   string // "timestamp" makes the entity permanently ineligible
}

// DomainOf extracts the namespace prefix from an external id. Recorder
// ids use either "domain.object" or, for externally imported statistics,
// "source:object".
func DomainOf(externalID string) string {
	if i := strings.IndexAny(externalID, ".:"); i > 0 {
		return externalID[:i]
	}
	return ""
}

// FallbackFriendlyName derives a display name from an external id when
// no attributes row resolves one.
func FallbackFriendlyName(externalID string) string {
	name := externalID
	if i := strings.IndexAny(name, ".:"); i >= 0 {
		name = name[i+1:]
	}
	return strings.ReplaceAll(name, "_", " ")
}
