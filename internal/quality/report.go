package quality

// Report tallies validation outcomes across a run, split per entity so
// the summary can point at the noisiest sensors.
type Report struct {
	Passed    int
	Corrected int
	Dropped   int
	ByReason  map[DropReason]int
	ByEntity  map[string]*EntityReport
}

// EntityReport is the per-entity slice of the run report.
type EntityReport struct {
	Passed    int
	Corrected int
	Dropped   int
}

func NewReport() *Report {
	return &Report{
		ByReason: make(map[DropReason]int),
		ByEntity: make(map[string]*EntityReport),
	}
}

// Observe records the outcome of validating one record of the entity.
func (r *Report) Observe(entityID string, out Outcome) {
	er := r.ByEntity[entityID]
	if er == nil {
		er = &EntityReport{}
		r.ByEntity[entityID] = er
	}
	switch out.Status {
	case StatusPassed:
		r.Passed++
		er.Passed++
	case StatusCorrected:
		r.Corrected++
		er.Corrected++
	case StatusDropped:
		r.Dropped++
		er.Dropped++
		r.ByReason[out.Reason]++
	}
}

// Total returns the number of records observed.
func (r *Report) Total() int {
	return r.Passed + r.Corrected + r.Dropped
}
