package pipeline

import (
	"time"

	"github.com/eunmann/tlc-sync/pkg/tripdata"
)

// UnitState is the lifecycle position of a work unit.
//
//	PENDING -> SKIPPED
//	PENDING -> FETCHED -> [TRANSFORMED] -> PUBLISHED
//	any non-terminal state -> FAILED
type UnitState string

const (
	StatePending     UnitState = "PENDING"
	StateSkipped     UnitState = "SKIPPED"
	StateFetched     UnitState = "FETCHED"
	StateTransformed UnitState = "TRANSFORMED"
	StatePublished   UnitState = "PUBLISHED"
	StateFailed      UnitState = "FAILED"
)

// Stage names used in logs and UnitResult.FailedStage.
const (
	StageFetch     = "fetch"
	StageTransform = "transform"
	StagePublish   = "publish"
)

// Terminal reports whether no further transition is possible.
func (s UnitState) Terminal() bool {
	return s == StateSkipped || s == StatePublished || s == StateFailed
}

// nextStage names the stage that runs from state s.
func (s UnitState) nextStage(f tripdata.Format) string {
	switch s {
	case StatePending:
		return StageFetch
	case StateFetched:
		if f.NeedsTransform() {
			return StageTransform
		}
		return StagePublish
	case StateTransformed:
		return StagePublish
	default:
		return ""
	}
}

// UnitResult is the outcome of one work unit.
type UnitResult struct {
	Unit  tripdata.WorkUnit
	Key   string
	State UnitState

	// FailedStage is set when State is StateFailed.
	FailedStage string

	// Bytes is the size of the published file.
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Report summarizes a batch run.
type Report struct {
	Batch    Batch
	RunID    string
	Results  []UnitResult
	Duration time.Duration
}

// Count returns the number of units that ended in state.
func (r *Report) Count(state UnitState) int {
	n := 0
	for _, res := range r.Results {
		if res.State == state {
			n++
		}
	}
	return n
}

// Failures returns the failed units in month order.
func (r *Report) Failures() []UnitResult {
	var out []UnitResult
	for _, res := range r.Results {
		if res.State == StateFailed {
			out = append(out, res)
		}
	}
	return out
}

// BytesPublished sums the size of every published file.
func (r *Report) BytesPublished() int64 {
	var total int64
	for _, res := range r.Results {
		if res.State == StatePublished {
			total += res.Bytes
		}
	}
	return total
}
