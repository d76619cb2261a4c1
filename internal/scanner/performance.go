package scanner

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// OpKind names a timed scan operation.
type OpKind string

// Timed operation kinds.
const (
	OpFileRead           OpKind = "file_read"
	OpMetadataExtraction OpKind = "metadata_extraction"
	OpDatabaseInsert     OpKind = "database_insert"
	OpImageProcessing    OpKind = "image_processing"
)

const (
	// Smoothing factor for per-operation moving averages.
	perfEMAAlpha = 0.1
	// Operations at or above the monitor's slow threshold are tracked
	// individually; this is the threshold when none is given.
	defaultSlowOpThreshold = 500 * time.Millisecond
	// Only the slowest operations are kept.
	maxSlowOps = 10

	// Recommendation thresholds.
	minThroughputFiles  = 10
	lowThroughputPerSec = 5.0
	highErrorRate       = 0.10
)

// OpStats summarizes all recordings of one operation kind.
type OpStats struct {
	Count     uint64
	AvgMillis float64
	MaxMillis float64
}

// SlowOperation is one individual recording that crossed the slow threshold.
type SlowOperation struct {
	Kind     OpKind
	Path     string
	Duration time.Duration
	At       time.Time
}

// Report is a point-in-time view of scan performance.
type Report struct {
	Elapsed        time.Duration
	FilesProcessed int
	FilesFailed    int
	Throughput     float64 // files per second, successes and failures both count
	Operations     map[OpKind]OpStats
	SlowOperations []SlowOperation
}

// Monitor collects operation timings during a scan. Averages are
// exponentially weighted so recent operations dominate.
type Monitor struct {
	mu            sync.Mutex
	started       time.Time
	slowThreshold time.Duration
	processed     int
	failed        int
	ops           map[OpKind]*OpStats
	slow          []SlowOperation
}

// NewMonitor creates a Monitor with its clock started. Operations at or
// above slowThreshold are tracked individually; a non-positive value uses
// the 500ms default.
func NewMonitor(slowThreshold time.Duration) *Monitor {
	if slowThreshold <= 0 {
		slowThreshold = defaultSlowOpThreshold
	}
	return &Monitor{
		started:       time.Now(),
		slowThreshold: slowThreshold,
		ops:           make(map[OpKind]*OpStats),
	}
}

// RecordOperation records one timed operation.
func (m *Monitor) RecordOperation(kind OpKind, path string, d time.Duration) {
	ms := float64(d.Milliseconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.ops[kind]
	if !ok {
		stats = &OpStats{}
		m.ops[kind] = stats
	}
	stats.Count++
	if stats.Count == 1 {
		stats.AvgMillis = ms
	} else {
		stats.AvgMillis = stats.AvgMillis*(1-perfEMAAlpha) + ms*perfEMAAlpha
	}
	if ms > stats.MaxMillis {
		stats.MaxMillis = ms
	}

	if d >= m.slowThreshold {
		m.recordSlow(SlowOperation{Kind: kind, Path: path, Duration: d, At: time.Now()})
	}
}

// recordSlow keeps the slowest maxSlowOps operations, sorted slowest first.
// Caller holds m.mu.
func (m *Monitor) recordSlow(op SlowOperation) {
	m.slow = append(m.slow, op)
	sort.Slice(m.slow, func(i, j int) bool {
		return m.slow[i].Duration > m.slow[j].Duration
	})
	if len(m.slow) > maxSlowOps {
		m.slow = m.slow[:maxSlowOps]
	}
}

// RecordFile counts one file outcome.
func (m *Monitor) RecordFile(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.processed++
	} else {
		m.failed++
	}
}

// Report returns a snapshot of collected measurements.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := time.Since(m.started)
	total := m.processed + m.failed

	throughput := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(total) / secs
	}

	ops := make(map[OpKind]OpStats, len(m.ops))
	for kind, stats := range m.ops {
		ops[kind] = *stats
	}
	slow := make([]SlowOperation, len(m.slow))
	copy(slow, m.slow)

	return Report{
		Elapsed:        elapsed,
		FilesProcessed: m.processed,
		FilesFailed:    m.failed,
		Throughput:     throughput,
		Operations:     ops,
		SlowOperations: slow,
	}
}

// Recommendations inspects the collected measurements and suggests tuning
// changes. Nothing is suggested until enough files have been seen.
func (m *Monitor) Recommendations() []string {
	report := m.Report()
	total := report.FilesProcessed + report.FilesFailed

	var recs []string
	if total > minThroughputFiles && report.Throughput < lowThroughputPerSec {
		recs = append(recs, fmt.Sprintf(
			"throughput is %.1f files/s; consider the large-library preset or raising max_concurrent_tasks",
			report.Throughput))
	}
	if total > 0 {
		errorRate := float64(report.FilesFailed) / float64(total)
		if errorRate > highErrorRate {
			recs = append(recs, fmt.Sprintf(
				"%.0f%% of files failed; check file permissions and the supported extension list",
				errorRate*100))
		}
	}
	return recs
}
