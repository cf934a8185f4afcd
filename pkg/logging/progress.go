package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eunmann/tlc-sync/pkg/humanfmt"
	"github.com/rs/zerolog"
)

// ProgressTracker counts units of a batch as they reach a terminal state
// and estimates the time remaining from recently processed units.
// It is safe for concurrent use.
type ProgressTracker struct {
	total     int64
	published atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
	startTime time.Time

	mu              sync.Mutex
	recentDurations []time.Duration
	maxRecent       int
}

// NewProgressTracker creates a tracker for total units.
func NewProgressTracker(total int64) *ProgressTracker {
	return &ProgressTracker{
		total:           total,
		startTime:       time.Now(),
		recentDurations: make([]time.Duration, 0, 6),
		maxRecent:       6,
	}
}

// RecordPublished records a unit that was processed end to end in d.
func (pt *ProgressTracker) RecordPublished(d time.Duration) {
	pt.published.Add(1)
	pt.recordDuration(d)
}

// RecordFailure records a unit that failed after d.
func (pt *ProgressTracker) RecordFailure(d time.Duration) {
	pt.failed.Add(1)
	pt.recordDuration(d)
}

// RecordSkip records that a unit was skipped.
func (pt *ProgressTracker) RecordSkip() {
	pt.skipped.Add(1)
}

func (pt *ProgressTracker) recordDuration(d time.Duration) {
	pt.mu.Lock()
	if len(pt.recentDurations) >= pt.maxRecent {
		pt.recentDurations = pt.recentDurations[1:]
	}
	pt.recentDurations = append(pt.recentDurations, d)
	pt.mu.Unlock()
}

// Progress returns current counts.
func (pt *ProgressTracker) Progress() (published, skipped, failed, total int64) {
	return pt.published.Load(), pt.skipped.Load(), pt.failed.Load(), pt.total
}

// Done returns the number of units in a terminal state.
func (pt *ProgressTracker) Done() int64 {
	return pt.published.Load() + pt.skipped.Load() + pt.failed.Load()
}

// ProgressPct returns the progress percentage (0-100).
func (pt *ProgressTracker) ProgressPct() float64 {
	if pt.total == 0 {
		return 100.0
	}
	return float64(pt.Done()) * 100.0 / float64(pt.total)
}

// Remaining returns how many units have not reached a terminal state.
func (pt *ProgressTracker) Remaining() int64 {
	return pt.total - pt.Done()
}

// ETA estimates the time remaining from the moving average of recent units.
// Skipped units cost nothing and do not contribute to the average.
func (pt *ProgressTracker) ETA() time.Duration {
	remaining := pt.Remaining()
	if remaining <= 0 {
		return 0
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if len(pt.recentDurations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range pt.recentDurations {
		sum += d
	}
	return sum / time.Duration(len(pt.recentDurations)) * time.Duration(remaining)
}

// Elapsed returns time since tracking started.
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}

// CompletionEvent helps build consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bytes adds byte count with optional human-readable companion.
func (ce *CompletionEvent) Bytes(key string, bytes int64) *CompletionEvent {
	ce.fields[key] = bytes
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Bytes(bytes)
	}
	return ce
}

// Count adds count with optional human-readable companion.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanfmt.Count(n)
	}
	return ce
}

// ProgressFromTracker adds batch progress fields.
func (ce *CompletionEvent) ProgressFromTracker(pt *ProgressTracker) *CompletionEvent {
	published, skipped, failed, total := pt.Progress()
	ce.fields["published"] = published
	ce.fields["skipped"] = skipped
	ce.fields["failed"] = failed
	ce.fields["total"] = total
	if total > 0 {
		ce.fields["progress_pct"] = pt.ProgressPct()
	}
	if eta := pt.ETA(); eta > 0 {
		ce.fields["eta_ms"] = eta.Milliseconds()
		if IsPrettyMode() {
			ce.fields["eta_h"] = humanfmt.Duration(eta)
		}
	}
	return ce
}

// Throughput adds throughput fields.
func (ce *CompletionEvent) Throughput(bytes int64) *CompletionEvent {
	if ce.elapsed > 0 {
		ce.fields["throughput_bps"] = float64(bytes) / ce.elapsed.Seconds()
		if IsPrettyMode() {
			ce.fields["throughput_h"] = humanfmt.Throughput(bytes, ce.elapsed)
		}
	}
	return ce
}

// Log emits the completion event at info level.
func (ce *CompletionEvent) Log(msg string) {
	ce.emit(ce.log.Info(), msg)
}

// LogWarn emits the completion event at warn level.
func (ce *CompletionEvent) LogWarn(msg string) {
	ce.emit(ce.log.Warn(), msg)
}

func (ce *CompletionEvent) emit(e *zerolog.Event, msg string) {
	e = e.Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", humanfmt.Duration(ce.elapsed))
	}

	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}

	e.Msg(msg)
}

// StageCompleted starts a stage completion event (fetch, transform, publish).
func StageCompleted(log zerolog.Logger, stage string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "stage_completed", stage, elapsed)
}

// UnitCompleted starts a unit completion event.
func UnitCompleted(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "unit_completed", "unit", elapsed)
}

// BatchCompleted starts a batch completion event.
func BatchCompleted(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "batch_completed", "batch", elapsed)
}

// TableLoaded starts a table load completion event.
func TableLoaded(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "table_loaded", "load", elapsed)
}
