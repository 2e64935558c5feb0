// Package telemetry collects in-process metrics about a CI run.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Well known metric names.
const (
	JobsStarted     = "jobs_started"
	JobsSucceeded   = "jobs_succeeded"
	JobsFailed      = "jobs_failed"
	StartupFailures = "job_startup_failures"
	JobDuration     = "job_duration"
	QueueLimit      = "queue_limit"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector records metrics. A nil *Collector discards everything.
type Collector struct {
	mu      sync.RWMutex
	metrics []Metric
}

func NewCollector() *Collector {
	return &Collector{metrics: make([]Metric, 0)}
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Counter, Value: value, Labels: labels})
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(Metric{Name: name, Type: Gauge, Value: value, Labels: labels})
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	c.add(Metric{
		Name:   name,
		Type:   Timer,
		Value:  float64(duration.Milliseconds()),
		Labels: labels,
		Unit:   "ms",
	})
}

func (c *Collector) add(metric Metric) {
	if c == nil {
		return
	}
	metric.Timestamp = time.Now()
	c.mu.Lock()
	c.metrics = append(c.metrics, metric)
	c.mu.Unlock()
}

// GetMetrics returns a copy of current metrics
func (c *Collector) GetMetrics() []Metric {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Metric, len(c.metrics))
	copy(result, c.metrics)
	return result
}

// Summary folds the recorded metrics by name: counters are summed, gauges keep their
// last value and timers report the total in milliseconds.
func (c *Collector) Summary() map[string]float64 {
	out := make(map[string]float64)
	for _, m := range c.GetMetrics() {
		switch m.Type {
		case Gauge:
			out[m.Name] = m.Value
		default:
			out[m.Name] += m.Value
		}
	}
	return out
}

// LogSummary writes the summary to the log, one line per metric name.
func (c *Collector) LogSummary() {
	summary := c.Summary()
	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		log.Info().Str("name", name).Float64("value", summary[name]).Msg("telemetry_metric")
	}
}
