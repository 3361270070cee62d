package domain

// Category is the semantic grouping an accepted entity belongs to. It
// drives both the exclusion decision and the sink-side rollup hint. The
// enumeration is closed: classification always yields one of these values,
// with CategoryNone reserved for rejected entities.
type Category string

const (
	CategoryEnergy        Category = "energy"         // kWh, Wh, MWh
	CategoryPower         Category = "power"          // W, kW
	CategoryTemperature   Category = "temperature"    // °C, °F
	CategoryEnvironmental Category = "environmental"  // %, hPa, bar, mbar
	CategoryNetwork       Category = "network"        // kB/s, MB/s, GB, MB
	CategoryElectrical    Category = "electrical"     // A, V
	CategoryLight         Category = "light"          // lux
	CategoryAirQuality    Category = "air_quality"    // ppm, µg/m³
	CategorySound         Category = "sound"          // dB
	CategoryRotational    Category = "rotational"     // rpm
	CategorySpecialSource Category = "special_source" // allow-listed integrations
	CategoryOtherNumeric  Category = "other_numeric"  // allow-listed units without a mapping
	CategoryNone          Category = "none"
)

// Aggregation is the sink-side rollup function associated with a category.
type Aggregation string

const (
	AggregationLast Aggregation = "last"
	AggregationMean Aggregation = "mean"
	AggregationMax  Aggregation = "max"
)

// DefaultAggregation returns the rollup hint for a category. Cumulative
// series keep their latest value, counters keep the maximum, everything
// else averages.
func (c Category) DefaultAggregation() Aggregation {
	switch c {
	case CategoryEnergy, CategorySpecialSource:
		return AggregationLast
	case CategoryPower, CategoryTemperature, CategoryEnvironmental,
		CategoryNetwork, CategoryElectrical, CategoryLight,
		CategoryAirQuality, CategorySound, CategoryRotational,
		CategoryOtherNumeric, CategoryNone:
		return AggregationMean
	default:
		return AggregationMean
	}
}

// RejectReason is a short diagnostic code for why an entity was rejected.
type RejectReason string

const (
	ReasonDomain         RejectReason = "domain"
	ReasonTimestampOnly  RejectReason = "timestamp_only"
	ReasonStatusPattern  RejectReason = "status_pattern"
	ReasonNoMatchingUnit RejectReason = "no_matching_unit"
)

// ClassificationResult is the outcome of classifying one entity. It is a
// pure function of the descriptor: classifying the same descriptor twice
// always yields an identical result.
type ClassificationResult struct {
	Accepted    bool
	Category    Category
	Aggregation Aggregation
	Reason      RejectReason // set only when rejected
}
