// Package memdiag logs Go heap usage while a sync or load runs.
//
// Parquet conversion holds a schema-inference sample and a row group in
// memory, so large yellow-taxi months are where heap usage peaks.
// Enable with TLCSYNC_MEM_DEBUG=true.
package memdiag

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/tlc-sync/pkg/humanfmt"
)

// DefaultInterval is how often a running Tracker samples the heap.
const DefaultInterval = 5 * time.Second

// Stats is the subset of runtime.MemStats worth logging.
type Stats struct {
	HeapAlloc  uint64
	HeapSys    uint64
	HeapInuse  uint64
	StackInuse uint64
	Sys        uint64
	NumGC      uint32
	// GCCPUFraction is the share of CPU time spent in GC since start.
	GCCPUFraction float64
}

// Read reads current memory statistics.
func Read() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		HeapAlloc:     m.HeapAlloc,
		HeapSys:       m.HeapSys,
		HeapInuse:     m.HeapInuse,
		StackInuse:    m.StackInuse,
		Sys:           m.Sys,
		NumGC:         m.NumGC,
		GCCPUFraction: m.GCCPUFraction,
	}
}

// Tracker samples the heap periodically and remembers the peak.
// A disabled Tracker does nothing; all methods are safe on it.
type Tracker struct {
	log      zerolog.Logger
	enabled  bool
	interval time.Duration

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu   sync.Mutex
	peak uint64
}

// NewTracker returns a Tracker logging to log at debug level.
// A non-positive interval uses DefaultInterval.
func NewTracker(log zerolog.Logger, enabled bool, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		log:      log,
		enabled:  enabled,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins periodic sampling. Calling it twice is a no-op and a
// stopped Tracker does not restart.
func (t *Tracker) Start() {
	if !t.enabled || !t.started.CompareAndSwap(false, true) {
		return
	}
	t.log.Info().Dur("interval", t.interval).Msg("memory diagnostics enabled")
	go t.loop()
}

// Stop ends sampling and logs a final sample with the peak.
func (t *Tracker) Stop() {
	if !t.started.Load() || !t.stopped.CompareAndSwap(false, true) {
		return
	}
	close(t.stopCh)
	<-t.doneCh
}

// Sample logs the current heap with reason and returns the stats.
func (t *Tracker) Sample(reason string) Stats {
	stats := Read()
	if !t.enabled {
		return stats
	}

	t.mu.Lock()
	t.peak = max(t.peak, stats.HeapAlloc)
	peak := t.peak
	t.mu.Unlock()

	t.log.Debug().
		Str("reason", reason).
		Str("heap_alloc", humanfmt.Bytes(int64(stats.HeapAlloc))).
		Str("heap_inuse", humanfmt.Bytes(int64(stats.HeapInuse))).
		Str("heap_sys", humanfmt.Bytes(int64(stats.HeapSys))).
		Str("sys_total", humanfmt.Bytes(int64(stats.Sys))).
		Str("peak_heap", humanfmt.Bytes(int64(peak))).
		Uint32("num_gc", stats.NumGC).
		Float64("gc_cpu_pct", stats.GCCPUFraction*100).
		Msg("memory stats")
	return stats
}

// PeakHeap returns the largest HeapAlloc seen by Sample.
func (t *Tracker) PeakHeap() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

func (t *Tracker) loop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.Sample("shutdown")
			return
		case <-ticker.C:
			t.Sample("periodic")
		}
	}
}
