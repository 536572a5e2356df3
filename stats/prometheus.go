package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink exports scheduler events as Prometheus metrics, following
// the common promauto pattern of registering a CounterVec at construction
// and labeling by task name / event kind rather than per-instance.
type PrometheusSink struct {
	events           *prometheus.CounterVec
	unexpectedErrors prometheus.Counter
}

// NewPrometheusSink registers its metrics against reg. Pass
// prometheus.DefaultRegisterer to use the global registry, or a dedicated
// *prometheus.Registry in tests to avoid collisions across test runs.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dbsched_events_total",
			Help: "Scheduler events by kind and task name",
		}, []string{"event", "task_name"}),
		unexpectedErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dbsched_unexpected_errors_total",
			Help: "Unexpected errors in scheduler background loops",
		}),
	}
}

func (p *PrometheusSink) Register(event Event, taskName string) {
	p.events.WithLabelValues(event.String(), taskName).Inc()
}

func (p *PrometheusSink) RegisterUnexpectedError() {
	p.unexpectedErrors.Inc()
}

var _ Sink = (*PrometheusSink)(nil)
