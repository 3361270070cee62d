package domain

// RawRecord is one statistic row as read from the source. Value is the
// unified reading (the row's state, falling back to its mean); nil means
// the source recorded no data for the interval.
type RawRecord struct {
	EntityKey int64
	Timestamp int64 // seconds since epoch, already UTC-normalized
	Value     *float64
	Tier      SeriesTier
}

// ValidatedRecord is a RawRecord that survived the quality gate. Its
// value is always present and finite; records without a usable value are
// dropped, never carried with a sentinel.
type ValidatedRecord struct {
	EntityKey int64
	Timestamp int64
	Value     float64
}
