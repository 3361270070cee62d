package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Standard tracing fields, propagated through the call chain via context.
const (
	// FieldRunID is the migration run identifier.
	FieldRunID = "run_id"

	// FieldComponent is the component/module name.
	FieldComponent = "component"

	// FieldEntity is the external id of the entity being exported.
	FieldEntity = "entity"

	// FieldTier is the statistics tier (short_term, long_term).
	FieldTier = "tier"
)

// Standard metric fields, used for aggregation in progress events.
const (
	// FieldBatch is the sequential batch number within a tier.
	FieldBatch = "batch"

	// FieldCount is a generic count field.
	FieldCount = "count"

	// FieldDurationMs is the execution duration in milliseconds.
	FieldDurationMs = "duration_ms"
)
