package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ActorsSpawned      *prometheus.CounterVec
	ActorsStopped      *prometheus.CounterVec
	EventsProcessed    *prometheus.CounterVec
	EventDuration      *prometheus.HistogramVec
	QueueDepthGauge    prometheus.Gauge
	InspectionDrops    prometheus.Counter
	RunsStarted        *prometheus.CounterVec
	RunsCompleted      *prometheus.CounterVec
	ComputeJoins       *prometheus.CounterVec
	PersistenceWrites  *prometheus.CounterVec
	PersistenceLatency *prometheus.HistogramVec
}

func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "loom"
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActorsSpawned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actors_spawned_total",
				Help:      "Total number of actors spawned",
			},
			[]string{"src"},
		),
		ActorsStopped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actors_stopped_total",
				Help:      "Total number of actors stopped",
			},
			[]string{"src"},
		),
		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Total number of events processed by actors",
			},
			[]string{"src", "event"},
		),
		EventDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_duration_seconds",
				Help:      "Time spent inside an actor's receive handler",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
			},
			[]string{"src"},
		),
		QueueDepthGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mailbox_depth",
				Help:      "Number of events waiting in the dispatcher queue",
			},
		),
		InspectionDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inspection_dropped_total",
				Help:      "Inspection events dropped because a subscriber was full",
			},
		),
		RunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of run isolation actors started",
			},
			[]string{"node_type"},
		),
		RunsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"node_type", "status"},
		),
		ComputeJoins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compute_joins_total",
				Help:      "Compute coordinator joins by outcome",
			},
			[]string{"outcome"},
		),
		PersistenceWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_writes_total",
				Help:      "Persistence writes issued by the sync bridge",
			},
			[]string{"partition", "status"},
		),
		PersistenceLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "persistence_write_seconds",
				Help:      "Latency of persistence writes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"partition"},
		),
	}
}

func (m *Metrics) ActorSpawned(src string) {
	if m == nil {
		return
	}
	m.ActorsSpawned.WithLabelValues(src).Inc()
}

func (m *Metrics) ActorStopped(src string) {
	if m == nil {
		return
	}
	m.ActorsStopped.WithLabelValues(src).Inc()
}

func (m *Metrics) EventProcessed(src, event string, d time.Duration) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(src, event).Inc()
	m.EventDuration.WithLabelValues(src).Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepthGauge.Set(float64(n))
}

func (m *Metrics) InspectionDropped() {
	if m == nil {
		return
	}
	m.InspectionDrops.Inc()
}

func (m *Metrics) RunStarted(nodeType string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(nodeType).Inc()
}

func (m *Metrics) RunCompleted(nodeType string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.RunsCompleted.WithLabelValues(nodeType, status).Inc()
}

func (m *Metrics) ComputeJoined(outcome string) {
	if m == nil {
		return
	}
	m.ComputeJoins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PersistenceWrite(partition string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.PersistenceWrites.WithLabelValues(partition, status).Inc()
	m.PersistenceLatency.WithLabelValues(partition).Observe(d.Seconds())
}
