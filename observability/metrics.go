// Package observability holds the process-wide metric registries for satgated.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records call pipeline activity.
type PipelineMetrics struct {
	Calls       *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	SatsQuoted  *prometheus.CounterVec
	SatsCharged *prometheus.CounterVec
}

// SettlerMetrics records funding settlement activity.
type SettlerMetrics struct {
	Events  *prometheus.CounterVec
	Credits *prometheus.CounterVec
}

var (
	pipelineOnce sync.Once
	pipelineReg  *PipelineMetrics

	settlerOnce sync.Once
	settlerReg  *SettlerMetrics
)

// Pipeline returns the lazily-initialised pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipelineReg = &PipelineMetrics{
			Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satgate",
				Subsystem: "pipeline",
				Name:      "calls_total",
				Help:      "Total metered calls segmented by capability and outcome.",
			}, []string{"capability", "outcome"}),
			Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "satgate",
				Subsystem: "pipeline",
				Name:      "call_duration_seconds",
				Help:      "End-to-end latency of metered calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"capability"}),
			SatsQuoted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satgate",
				Subsystem: "pipeline",
				Name:      "sats_quoted_total",
				Help:      "Sum of quoted satoshis segmented by capability.",
			}, []string{"capability"}),
			SatsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satgate",
				Subsystem: "pipeline",
				Name:      "sats_charged_total",
				Help:      "Sum of finalized satoshi charges segmented by capability.",
			}, []string{"capability"}),
		}
		prometheus.MustRegister(
			pipelineReg.Calls,
			pipelineReg.Latency,
			pipelineReg.SatsQuoted,
			pipelineReg.SatsCharged,
		)
	})
	return pipelineReg
}

// Settler returns the lazily-initialised settlement metrics registry.
func Settler() *SettlerMetrics {
	settlerOnce.Do(func() {
		settlerReg = &SettlerMetrics{
			Events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satgate",
				Subsystem: "settle",
				Name:      "events_total",
				Help:      "Settlement events observed segmented by source and disposition.",
			}, []string{"source", "disposition"}),
			Credits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "satgate",
				Subsystem: "settle",
				Name:      "credits_total",
				Help:      "Ledger credits applied segmented by source.",
			}, []string{"source"}),
		}
		prometheus.MustRegister(settlerReg.Events, settlerReg.Credits)
	})
	return settlerReg
}
