package portmon

import "github.com/prometheus/client_golang/prometheus"

// Reasons an event failed to reach a listener, used as the "reason" label of
// portmon_events_dropped_total.
const (
	dropQueueFull     = "queue_full"
	dropBacklogFull   = "backlog_full"
	dropClosed        = "listener_closed"
	dropMonitorClosed = "monitor_closed"
	dropInvalid       = "invalid"
)

type monitorMetrics struct {
	registry  *prometheus.Registry
	published prometheus.Counter
	delivered prometheus.Counter
	dropped   *prometheus.CounterVec
	devices   prometheus.GaugeFunc
	listeners prometheus.GaugeFunc
}

func newMonitorMetrics(r *Registry) *monitorMetrics {
	registry := prometheus.NewRegistry()
	published := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "portmon",
		Name:      "events_published_total",
		Help:      "Events observed on monitored devices.",
	})
	delivered := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "portmon",
		Name:      "events_delivered_total",
		Help:      "Event copies handed to listener queues or parked readers.",
	})
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portmon",
		Name:      "events_dropped_total",
		Help:      "Event copies that did not reach a listener.",
	}, []string{"reason"})
	devices := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "portmon",
		Name:      "devices",
		Help:      "Registered devices.",
	}, func() float64 { return float64(r.Len()) })
	listeners := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "portmon",
		Name:      "listeners",
		Help:      "Open listener connections.",
	}, func() float64 { return float64(r.listenerCount()) })
	registry.MustRegister(published, delivered, dropped, devices, listeners)
	return &monitorMetrics{
		registry:  registry,
		published: published,
		delivered: delivered,
		dropped:   dropped,
		devices:   devices,
		listeners: listeners,
	}
}

// Describe is part of the implementation of prometheus.Collector.
func (m *Monitor) Describe(descCh chan<- *prometheus.Desc) {
	m.metrics.registry.Describe(descCh)
}

// Collect is part of the implementation of prometheus.Collector.
func (m *Monitor) Collect(metricCh chan<- prometheus.Metric) {
	m.metrics.registry.Collect(metricCh)
}
