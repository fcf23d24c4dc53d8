// Package monitoring holds the prometheus collectors shared by the ledger
// service, its jobs and the gRPC transport.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	LogBytes          *prometheus.GaugeVec
	GarbageRatio      *prometheus.GaugeVec
	Compactions       *prometheus.CounterVec
	EventsRecorded    *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	RPCInflight       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carledger",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger operations",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operation"}),
		LogBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "carledger",
			Name:      "log_bytes",
			Help:      "Size of each record log",
		}, []string{"entity"}),
		GarbageRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "carledger",
			Name:      "log_garbage_ratio",
			Help:      "Share of each record log no longer reachable through an index",
		}, []string{"entity"}),
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carledger",
			Name:      "compactions_total",
			Help:      "Compaction runs by outcome",
		}, []string{"outcome"}),
		EventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carledger",
			Name:      "events_recorded_total",
			Help:      "Ledger events handed to the outbox",
		}, []string{"type", "outcome"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carledger",
			Name:      "events_published_total",
			Help:      "Outbox events published to kafka",
		}, []string{"outcome"}),
		RPCInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "carledger",
			Name:      "rpc_inflight",
			Help:      "gRPC calls in flight",
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.Operations,
		m.OperationDuration,
		m.LogBytes,
		m.GarbageRatio,
		m.Compactions,
		m.EventsRecorded,
		m.EventsPublished,
		m.RPCInflight,
	)
	return m
}

// NewNoopMetrics returns collectors registered nowhere.
func NewNoopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// TrackOperation records one finished operation. A nil receiver is a no-op.
func (m *Metrics) TrackOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) SetLogStats(entity string, size int64, garbageRatio float64) {
	if m == nil {
		return
	}
	m.LogBytes.WithLabelValues(entity).Set(float64(size))
	m.GarbageRatio.WithLabelValues(entity).Set(garbageRatio)
}

func (m *Metrics) TrackCompaction(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Compactions.WithLabelValues("error").Inc()
		return
	}
	m.Compactions.WithLabelValues("ok").Inc()
}

func (m *Metrics) TrackEventRecorded(eventType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EventsRecorded.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) TrackPublished(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.EventsPublished.WithLabelValues("ok").Inc()
		return
	}
	m.EventsPublished.WithLabelValues("error").Inc()
}

// TrackInflight counts a call to method as in flight until the returned
// func is called.
func (m *Metrics) TrackInflight(method string) func() {
	if m == nil {
		return func() {}
	}
	g := m.RPCInflight.WithLabelValues(method)
	g.Inc()
	return g.Dec
}
