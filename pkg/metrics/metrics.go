// Package metrics exposes Prometheus instrumentation for the host:
// artifact downloads and updates on one side, supervised-process health on
// the other.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all collectors. A nil *Metrics is valid and records
// nothing, so instrumentation stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	downloadsTotal     *prometheus.CounterVec
	downloadBytesTotal prometheus.Counter
	updatesTotal       *prometheus.CounterVec
	crashesTotal       prometheus.Counter
	restartsTotal      prometheus.Counter

	processUp          prometheus.Gauge
	processCPUPercent  prometheus.Gauge
	processMemoryBytes prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		downloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "langkit_host_downloads_total",
				Help: "Artifact downloads by result",
			},
			[]string{"result"},
		),
		downloadBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "langkit_host_download_bytes_total",
				Help: "Total bytes downloaded from the release endpoint",
			},
		),
		updatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "langkit_host_updates_total",
				Help: "Update transactions by result",
			},
			[]string{"result"},
		),
		crashesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "langkit_host_process_crashes_total",
				Help: "Unrequested terminations of the supervised process",
			},
		),
		restartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "langkit_host_process_restarts_total",
				Help: "Restarts requested through the supervisor",
			},
		),
		processUp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "langkit_host_process_up",
				Help: "1 while the supervised process is running",
			},
		),
		processCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "langkit_host_process_cpu_percent",
				Help: "CPU usage of the supervised process",
			},
		),
		processMemoryBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "langkit_host_process_memory_bytes",
				Help: "Resident memory of the supervised process",
			},
		),
	}

	m.registry.MustRegister(
		m.downloadsTotal,
		m.downloadBytesTotal,
		m.updatesTotal,
		m.crashesTotal,
		m.restartsTotal,
		m.processUp,
		m.processCPUPercent,
		m.processMemoryBytes,
	)

	return m
}

// Registry returns the underlying registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// DownloadFinished records one download attempt and its byte count.
func (m *Metrics) DownloadFinished(result string, bytes int64) {
	if m == nil {
		return
	}
	m.downloadsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.downloadBytesTotal.Add(float64(bytes))
	}
}

// UpdateFinished records one update transaction.
func (m *Metrics) UpdateFinished(result string) {
	if m == nil {
		return
	}
	m.updatesTotal.WithLabelValues(result).Inc()
}

// ProcessCrashed counts an unrequested termination.
func (m *Metrics) ProcessCrashed() {
	if m == nil {
		return
	}
	m.crashesTotal.Inc()
}

// ProcessRestarted counts a requested restart.
func (m *Metrics) ProcessRestarted() {
	if m == nil {
		return
	}
	m.restartsTotal.Inc()
}

// SetProcessUp flips the liveness gauge.
func (m *Metrics) SetProcessUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.processUp.Set(1)
	} else {
		m.processUp.Set(0)
		m.processCPUPercent.Set(0)
		m.processMemoryBytes.Set(0)
	}
}

// SetProcessUsage records a resource sample of the supervised process.
func (m *Metrics) SetProcessUsage(cpuPercent float64, memoryBytes uint64) {
	if m == nil {
		return
	}
	m.processCPUPercent.Set(cpuPercent)
	m.processMemoryBytes.Set(float64(memoryBytes))
}
