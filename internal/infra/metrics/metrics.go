// Package metrics exposes prometheus counters for the cache and the
// processing pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Pipeline outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeInvalid   = "invalid"
	OutcomeDeferred  = "deferred"
	OutcomeFailed    = "failed"
)

// Metrics groups the collectors.
type Metrics struct {
	registry *prometheus.Registry

	messages    *prometheus.CounterVec
	saves       *prometheus.CounterVec
	sendResults *prometheus.CounterVec
	streams     *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msgcache",
			Name:      "pipeline_messages_total",
			Help:      "Messages handled by the processing pipeline, by content type and outcome.",
		}, []string{"content_type", "outcome"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msgcache",
			Name:      "cache_saves_total",
			Help:      "Create-if-absent saves, by table and whether a row already existed.",
		}, []string{"table", "result"}),
		sendResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "msgcache",
			Name:      "sends_total",
			Help:      "Outgoing sends by result.",
		}, []string{"result"}),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "msgcache",
			Name:      "streams_active",
			Help:      "Active network streams by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.messages, m.saves, m.sendResults, m.streams)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PipelineMessage records a pipeline outcome.
func (m *Metrics) PipelineMessage(contentType, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(contentType, outcome).Inc()
}

// Save records a create-if-absent save.
func (m *Metrics) Save(table string, existed bool) {
	if m == nil {
		return
	}
	result := "created"
	if existed {
		result = "existing"
	}
	m.saves.WithLabelValues(table, result).Inc()
}

// Send records a send result.
func (m *Metrics) Send(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.sendResults.WithLabelValues(result).Inc()
}

// StreamStarted marks a stream of kind as active.
func (m *Metrics) StreamStarted(kind string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(kind).Inc()
}

// StreamStopped marks a stream of kind as stopped.
func (m *Metrics) StreamStopped(kind string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(kind).Dec()
}

// PipelineCount returns the counter value for tests and stats output.
func (m *Metrics) PipelineCount(contentType, outcome string) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.messages.WithLabelValues(contentType, outcome))
}

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
