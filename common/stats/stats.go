// Package stats provides a small StatsReceiver interface backed by
// go-metrics. Receivers can be passed down a call tree and scoped at each
// level; the registry renders as JSON for the arbiter's /admin/metrics.json
// endpoint. Wrapping go-metrics keeps the dependency out of callers'
// signatures.
package stats

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Hierarchical names use '/' as the separator; slashes inside a name
// element are scrubbed rather than rejected because counter names are
// sometimes built from error strings.
type StatsReceiver interface {
	// Returns a receiver that namespaces instruments with the given scope:
	//   stat.Scope("store").Counter("reserveConflicts")
	// is the counter "store/reserveConflicts".
	Scope(scope ...string) StatsReceiver

	// Provides an event counter.
	Counter(name ...string) Counter

	// Holds an int64 value that can be set arbitrarily.
	Gauge(name ...string) Gauge

	// Records callsite durations, in milliseconds.
	Latency(name ...string) Latency

	// Marshals the registry to JSON.
	Render() []byte
}

type Counter interface {
	Inc(delta int64)
	Count() int64
}

type Gauge interface {
	Update(value int64)
	Value() int64
}

// Latency records durations into a histogram. Stop records the time since
// the corresponding Time call.
type Latency interface {
	Time() Latency
	Stop()
}

func DefaultStatsReceiver() StatsReceiver {
	return &defaultStatsReceiver{registry: metrics.NewRegistry()}
}

type defaultStatsReceiver struct {
	registry metrics.Registry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.registry, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), metrics.NewCounter).(metrics.Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), metrics.NewGauge).(metrics.Gauge)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	h := s.registry.GetOrRegister(
		s.scopedName(name...),
		func() metrics.Histogram { return metrics.NewHistogram(metrics.NewUniformSample(1024)) },
	).(metrics.Histogram)
	return &latency{hist: h}
}

func (s *defaultStatsReceiver) Render() []byte {
	rendered := map[string]interface{}{}
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case metrics.Counter:
			rendered[name] = m.Count()
		case metrics.Gauge:
			rendered[name] = m.Value()
		case metrics.Histogram:
			h := m.Snapshot()
			rendered[name] = map[string]interface{}{
				"count": h.Count(),
				"mean":  h.Mean(),
				"max":   h.Max(),
				"p95":   h.Percentile(0.95),
			}
		}
	})
	bytes, err := json.Marshal(rendered)
	if err != nil {
		panic("stats registry cannot be marshaled")
	}
	return bytes
}

// Append to the existing scope, scrubbing slashes.
func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	scoped := append([]string{}, s.scope...)
	for _, elem := range scope {
		scoped = append(scoped, strings.Replace(elem, "/", "_SLASH_", -1))
	}
	return scoped
}

func (s *defaultStatsReceiver) scopedName(scope ...string) string {
	return strings.Join(s.scoped(scope...), "/")
}

type latency struct {
	hist  metrics.Histogram
	mutex sync.Mutex
	start time.Time
}

func (l *latency) Time() Latency {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.start = time.Now()
	return l
}

func (l *latency) Stop() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.start.IsZero() {
		return
	}
	l.hist.Update(time.Since(l.start).Milliseconds())
	l.start = time.Time{}
}

// NilStatsReceiver ignores all stats operations.
func NilStatsReceiver() StatsReceiver {
	return &nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter      { return &nilCounter{} }
func (s *nilStatsReceiver) Gauge(name ...string) Gauge          { return &nilGauge{} }
func (s *nilStatsReceiver) Latency(name ...string) Latency      { return &nilLatency{} }
func (s *nilStatsReceiver) Render() []byte                      { return []byte("{}") }

type nilCounter struct{}

func (c *nilCounter) Inc(delta int64) {}
func (c *nilCounter) Count() int64    { return 0 }

type nilGauge struct{}

func (g *nilGauge) Update(value int64) {}
func (g *nilGauge) Value() int64       { return 0 }

type nilLatency struct{}

func (l *nilLatency) Time() Latency { return l }
func (l *nilLatency) Stop()         {}
