// Package metrics declares the agent's Prometheus metrics and implements
// periodic.Gauges on top of them, the same way warren's pkg/metrics pairs
// a flat var block of collectors with a small reporting helper.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LiveKernels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_agent_live_kernels",
			Help: "Number of kernel containers currently tracked by the registry",
		},
	)

	FreeCores = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kernel_agent_free_cores",
			Help: "Free CPU cores available for allocation, by NUMA node",
		},
		[]string{"numa_node"},
	)

	IdleReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernel_agent_idle_reaped_total",
			Help: "Total number of kernels destroyed for exceeding the idle timeout",
		},
	)

	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kernel_agent_dispatch_latency_seconds",
			Help:    "Time taken to dispatch a periodic-task event upstream, by tick kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	KernelsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernel_agent_kernels_created_total",
			Help: "Total number of kernels successfully created",
		},
	)

	KernelsDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_agent_kernels_destroyed_total",
			Help: "Total number of kernels destroyed, by reason",
		},
		[]string{"reason"},
	)

	ExecuteCodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kernel_agent_execute_code_duration_seconds",
			Help:    "Wall-clock duration of execute_code relay calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerDieEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernel_agent_container_die_events_total",
			Help: "Total number of container-die events observed by the event monitor",
		},
	)
)

func init() {
	prometheus.MustRegister(LiveKernels)
	prometheus.MustRegister(FreeCores)
	prometheus.MustRegister(IdleReapedTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(KernelsCreatedTotal)
	prometheus.MustRegister(KernelsDestroyedTotal)
	prometheus.MustRegister(ExecuteCodeDuration)
	prometheus.MustRegister(ContainerDieEventsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports it to a histogram on ObserveDuration,
// mirroring warren's metrics.Timer.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Gauges is the Prometheus-backed periodic.Gauges implementation. The zero
// value is ready to use; every exported collector above is already
// registered at package init.
type Gauges struct{}

func (Gauges) SetLiveKernels(n int) {
	LiveKernels.Set(float64(n))
}

func (Gauges) SetFreeCores(node int, free int) {
	FreeCores.WithLabelValues(strconv.Itoa(node)).Set(float64(free))
}

func (Gauges) ObserveDispatchLatency(kind string, d time.Duration) {
	DispatchLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (Gauges) IncIdleReaped() {
	IdleReapedTotal.Inc()
}
