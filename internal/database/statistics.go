package database

import (
	"sync"
	"time"
)

// emaAlpha is the smoothing factor for the running average operation
// duration. The first sample sets the baseline exactly.
const emaAlpha = 0.1

// Stats is a point-in-time snapshot of connection activity.
type Stats struct {
	SuccessfulOperations uint64
	FailedOperations     uint64
	AvgOperationMillis   float64
	LastSuccess          time.Time
	LastFailure          time.Time
	ConnectionUptime     time.Duration
	ReconnectionAttempts uint32
}

// StatisticsCollector records operation outcomes and timings for a
// connection Manager. All methods are safe for concurrent use.
type StatisticsCollector struct {
	mu          sync.Mutex
	stats       Stats
	connectedAt time.Time
}

// NewStatisticsCollector creates an empty collector.
func NewStatisticsCollector() *StatisticsCollector {
	return &StatisticsCollector{}
}

// RecordConnection marks a successful connection establishment.
func (c *StatisticsCollector) RecordConnection() {
	c.mu.Lock()
	c.connectedAt = time.Now()
	c.mu.Unlock()
	c.RecordSuccess(0)
}

// RecordSuccess records a completed operation and folds its duration into
// the moving average.
func (c *StatisticsCollector) RecordSuccess(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.SuccessfulOperations++
	c.stats.LastSuccess = time.Now()
	c.updateAverage(d)
}

// RecordFailure records a failed operation and folds its duration into the
// moving average.
func (c *StatisticsCollector) RecordFailure(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.FailedOperations++
	c.stats.LastFailure = time.Now()
	c.updateAverage(d)
}

// RecordReconnectionAttempt counts one failed connect attempt that will be
// retried.
func (c *StatisticsCollector) RecordReconnectionAttempt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.ReconnectionAttempts++
}

func (c *StatisticsCollector) updateAverage(d time.Duration) {
	ms := float64(d.Milliseconds())
	if c.stats.SuccessfulOperations+c.stats.FailedOperations == 1 {
		c.stats.AvgOperationMillis = ms
		return
	}
	c.stats.AvgOperationMillis = c.stats.AvgOperationMillis*(1-emaAlpha) + ms*emaAlpha
}

// Snapshot returns a copy of the current statistics.
func (c *StatisticsCollector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	if !c.connectedAt.IsZero() {
		s.ConnectionUptime = time.Since(c.connectedAt)
	}
	return s
}
