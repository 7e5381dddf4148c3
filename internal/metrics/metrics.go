// Package metrics is a small in-process collector exposed on /metrics.
// Counters and gauges are plain atomics; timers keep count/total/min/max.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known metric names used across the service.
const (
	OrdersCreated        = "orders.created"
	CascadeRuns          = "cascade.runs"
	CascadeRowsUpdated   = "cascade.rows_updated"
	DefectsRecorded      = "defects.recorded"
	LockConflicts        = "lock.conflicts"
	EditRequestsCreated  = "edit_requests.created"
	EditRequestsResolved = "edit_requests.resolved"
)

// TimerMetric is the exported view of one timer.
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

type timer struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

// Metrics is the collector. All methods are safe for concurrent use.
type Metrics struct {
	mu           sync.RWMutex
	counters     map[string]*int64
	gauges       map[string]*int64
	timers       map[string]*timer
	healthChecks map[string]*int64
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     make(map[string]*int64),
		gauges:       make(map[string]*int64),
		timers:       make(map[string]*timer),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
}

func (m *Metrics) counter(name string) *int64 {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; !ok {
		c = new(int64)
		m.counters[name] = c
	}
	return c
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(m.counter(name), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.RLock()
	g, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if g, ok = m.gauges[name]; !ok {
			g = new(int64)
			m.gauges[name] = g
		}
		m.mu.Unlock()
	}
	atomic.StoreInt64(g, value)
}

// RecordTimer records one duration measurement
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	m.mu.RLock()
	t, ok := m.timers[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if t, ok = m.timers[name]; !ok {
			t = &timer{minTimeMs: int64(^uint64(0) >> 1)}
			m.timers[name] = t
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, durationMs)

	for {
		min := atomic.LoadInt64(&t.minTimeMs)
		if durationMs >= min || atomic.CompareAndSwapInt64(&t.minTimeMs, min, durationMs) {
			break
		}
	}
	for {
		max := atomic.LoadInt64(&t.maxTimeMs)
		if durationMs <= max || atomic.CompareAndSwapInt64(&t.maxTimeMs, max, durationMs) {
			break
		}
	}
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, isHealthy bool) {
	var value int64
	if isHealthy {
		value = 1
	}

	m.mu.RLock()
	h, ok := m.healthChecks[component]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.healthChecks[component]; !ok {
			h = new(int64)
			m.healthChecks[component] = h
		}
		m.mu.Unlock()
	}
	atomic.StoreInt64(h, value)
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counters))
	for name, c := range m.counters {
		out[name] = atomic.LoadInt64(c)
	}
	return out
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.gauges))
	for name, g := range m.gauges {
		out[name] = atomic.LoadInt64(g)
	}
	return out
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalTimeMs)
		var avg float64
		if count > 0 {
			avg = float64(total) / float64(count)
		}
		out[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   total,
			AverageTimeMs: avg,
			MinTimeMs:     atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:     atomic.LoadInt64(&t.maxTimeMs),
		}
	}
	return out
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.healthChecks))
	for name, h := range m.healthChecks {
		out[name] = atomic.LoadInt64(h) > 0
	}
	return out
}

// GetUptimeSeconds returns the service uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"health_checks":  m.GetHealthChecks(),
	}
}
