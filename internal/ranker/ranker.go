package ranker

import "time"

const (
	// Tasks whose target was never scanned rank above everything except
	// explicit priority-1 work.
	priorityNever = 2
	priorityFloor = 3
	priorityCeil  = 1 << 20
)

// TimeBased ranks candidate tasks by how overdue they are: the longer ago
// the target was last scanned, the more urgent the task. Lower values are
// more urgent. Ties are broken downstream by creation time and id, so pop
// order is a total order.
type TimeBased struct {
	Now func() time.Time
}

func New() TimeBased { return TimeBased{Now: time.Now} }

// Rank returns the priority for a candidate whose target was last scanned
// at lastRun (nil means never).
func (r TimeBased) Rank(lastRun *time.Time) int {
	if lastRun == nil {
		return priorityNever
	}
	overdue := r.Now().Sub(*lastRun)
	p := priorityCeil - int(overdue/time.Second)
	if p < priorityFloor {
		p = priorityFloor
	}
	if p > priorityCeil {
		p = priorityCeil
	}
	return p
}
