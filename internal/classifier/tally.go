package classifier

import "github.com/homestats/hass2influx/internal/domain"

// Tally accumulates classification outcomes for the end-of-run summary.
// Not safe for concurrent use; the metadata scan is single-threaded.
type Tally struct {
	Total      int
	Accepted   int
	ByCategory map[domain.Category]int
	ByReason   map[domain.RejectReason]int
}

func NewTally() *Tally {
	return &Tally{
		ByCategory: make(map[domain.Category]int),
		ByReason:   make(map[domain.RejectReason]int),
	}
}

// Observe records a single classification outcome.
func (t *Tally) Observe(res domain.ClassificationResult) {
	t.Total++
	if res.Accepted {
		t.Accepted++
		t.ByCategory[res.Category]++
		return
	}
	t.ByReason[res.Reason]++
}

// Rejected returns the number of observed rejections.
func (t *Tally) Rejected() int {
	return t.Total - t.Accepted
}
