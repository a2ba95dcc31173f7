// Package metrics is the Manager's Prometheus observability surface.
// client_golang is a direct dependency with no using file in the
// retrieved subset; this package gives it its natural home on a long-lived
// daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements internal/manager.Metrics over Prometheus
// collectors.
type Recorder struct {
	bindings           prometheus.Gauge
	sessionsDown       prometheus.Gauge
	sessionsInProgress prometheus.Gauge
	sessionsUp         prometheus.Gauge
	stitchTotal        prometheus.Counter
	watchdogFireTotal  prometheus.Counter
}

// NewRecorder registers and returns a Recorder against reg. Pass
// prometheus.NewRegistry() in tests to avoid the global default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		bindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tundev_bindings",
			Help: "Number of currently registered per-device bindings.",
		}),
		sessionsDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tundev_sessions_by_status",
			Help:        "Number of sessions in each status.",
			ConstLabels: prometheus.Labels{"status": "down"},
		}),
		sessionsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tundev_sessions_by_status",
			Help:        "Number of sessions in each status.",
			ConstLabels: prometheus.Labels{"status": "in-progress"},
		}),
		sessionsUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "tundev_sessions_by_status",
			Help:        "Number of sessions in each status.",
			ConstLabels: prometheus.Labels{"status": "up"},
		}),
		stitchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tundev_stitch_total",
			Help: "Number of kernel-glue stitch operations performed.",
		}),
		watchdogFireTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tundev_watchdog_fires_total",
			Help: "Number of shell-alive watchdog fires observed.",
		}),
	}
	reg.MustRegister(r.bindings, r.sessionsDown, r.sessionsInProgress, r.sessionsUp, r.stitchTotal, r.watchdogFireTotal)
	return r
}

func (r *Recorder) SetBindings(n int) {
	r.bindings.Set(float64(n))
}

func (r *Recorder) SetSessionsByStatus(down, inProgress, up int) {
	r.sessionsDown.Set(float64(down))
	r.sessionsInProgress.Set(float64(inProgress))
	r.sessionsUp.Set(float64(up))
}

func (r *Recorder) IncStitch() {
	r.stitchTotal.Inc()
}

func (r *Recorder) IncWatchdogFire() {
	r.watchdogFireTotal.Inc()
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
