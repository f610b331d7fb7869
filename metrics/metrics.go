// Package metrics exposes optional Prometheus instrumentation for stash
// backends. A nil Recorder is valid everywhere and costs nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives stash events.
type Recorder interface {
	ObserveWrite(backend string, bytes int, err error)
	ObserveFlush(backend string, units int, d time.Duration, err error)
	ObserveDispatch(groups, units int, d time.Duration)
	ObserveRecord()
}

// ObserveWrite records one physical write on m when m is not nil.
func ObserveWrite(m Recorder, backend string, bytes int, err error) {
	if m != nil {
		m.ObserveWrite(backend, bytes, err)
	}
}

// ObserveFlush records one buffered flush on m when m is not nil.
func ObserveFlush(m Recorder, backend string, units int, d time.Duration, err error) {
	if m != nil {
		m.ObserveFlush(backend, units, d, err)
	}
}

// ObserveDispatch records one pool dispatch on m when m is not nil.
func ObserveDispatch(m Recorder, groups, units int, d time.Duration) {
	if m != nil {
		m.ObserveDispatch(groups, units, d)
	}
}

// ObserveRecord counts one routed record on m when m is not nil.
func ObserveRecord(m Recorder) {
	if m != nil {
		m.ObserveRecord()
	}
}

type promRecorder struct {
	writesTotal      *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	flushDuration    *prometheus.HistogramVec
	flushUnits       *prometheus.CounterVec
	dispatchGroups   prometheus.Counter
	dispatchUnits    prometheus.Counter
	dispatchDuration prometheus.Histogram
	recordsTotal     prometheus.Counter
}

// NewPrometheus registers the stash collectors on reg.
func NewPrometheus(reg prometheus.Registerer) Recorder {
	f := promauto.With(reg)
	return &promRecorder{
		writesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "superserial_writes_total",
			Help: "Physical writes by backend and status",
		}, []string{"backend", "status"}),
		bytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "superserial_written_bytes_total",
			Help: "Payload bytes written by backend",
		}, []string{"backend"}),
		flushDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "superserial_flush_duration_milliseconds",
			Help:    "Duration of buffered flushes in milliseconds",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"backend", "status"}),
		flushUnits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "superserial_flushed_units_total",
			Help: "Units committed by buffered flushes",
		}, []string{"backend"}),
		dispatchGroups: f.NewCounter(prometheus.CounterOpts{
			Name: "superserial_pool_dispatched_groups_total",
			Help: "Batch groups dispatched by object-store pools",
		}),
		dispatchUnits: f.NewCounter(prometheus.CounterOpts{
			Name: "superserial_pool_dispatched_units_total",
			Help: "Units dispatched by object-store pools",
		}),
		dispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "superserial_pool_dispatch_duration_milliseconds",
			Help:    "Duration of pool dispatches in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}),
		recordsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "superserial_records_total",
			Help: "Records routed",
		}),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (p *promRecorder) ObserveWrite(backend string, bytes int, err error) {
	p.writesTotal.WithLabelValues(backend, status(err)).Inc()
	if err == nil {
		p.bytesTotal.WithLabelValues(backend).Add(float64(bytes))
	}
}

func (p *promRecorder) ObserveFlush(backend string, units int, d time.Duration, err error) {
	p.flushDuration.WithLabelValues(backend, status(err)).Observe(float64(d.Microseconds()) / 1000.0)
	if err == nil {
		p.flushUnits.WithLabelValues(backend).Add(float64(units))
	}
}

func (p *promRecorder) ObserveDispatch(groups, units int, d time.Duration) {
	p.dispatchGroups.Add(float64(groups))
	p.dispatchUnits.Add(float64(units))
	p.dispatchDuration.Observe(float64(d.Microseconds()) / 1000.0)
}

func (p *promRecorder) ObserveRecord() {
	p.recordsTotal.Inc()
}
