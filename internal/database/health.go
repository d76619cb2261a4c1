package database

import "sync/atomic"

// Health describes the state of the managed connection.
type Health int32

// Connection health states. Only the connection Manager mutates these;
// any caller may read them.
const (
	HealthConnecting Health = iota
	HealthHealthy
	HealthFailed
)

// String returns the lowercase name of the health state.
func (h Health) String() string {
	switch h {
	case HealthConnecting:
		return "connecting"
	case HealthHealthy:
		return "healthy"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// healthMonitor holds the current health state behind an atomic so readers
// never contend with the connection lock.
type healthMonitor struct {
	state atomic.Int32
}

func newHealthMonitor() *healthMonitor {
	m := &healthMonitor{}
	m.state.Store(int32(HealthFailed))
	return m
}

func (m *healthMonitor) set(h Health) {
	m.state.Store(int32(h))
}

func (m *healthMonitor) status() Health {
	return Health(m.state.Load())
}
