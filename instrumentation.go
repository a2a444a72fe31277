package emf

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// sinkMetrics is the self-instrumentation of one pipeline instance. The
// collectors always exist; they are exported only when a Registerer is given.
type sinkMetrics struct {
	accepted   prometheus.Counter
	dropped    prometheus.Counter
	requeued   prometheus.Counter
	sent       prometheus.Counter
	failures   *prometheus.CounterVec
	queueDepth prometheus.Gauge
}

func newSinkMetrics(sink string, reg prometheus.Registerer) (*sinkMetrics, error) {
	labels := prometheus.Labels{"sink": sink}
	m := &sinkMetrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "emf_sink_records_accepted_total",
			Help:        "Records accepted into the sink queue",
			ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "emf_sink_records_dropped_total",
			Help:        "Records shed because the sink queue was full",
			ConstLabels: labels,
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "emf_sink_records_requeued_total",
			Help:        "Records pushed back to the queue after a failed delivery",
			ConstLabels: labels,
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "emf_sink_records_sent_total",
			Help:        "Records delivered downstream",
			ConstLabels: labels,
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "emf_sink_delivery_failures_total",
			Help:        "Failed delivery attempts by failure kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "emf_sink_queue_depth",
			Help:        "Records currently waiting in the sink queue",
			ConstLabels: labels,
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.accepted, m.dropped, m.requeued, m.sent, m.failures, m.queueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *sinkMetrics) recordFailure(err error) {
	m.failures.WithLabelValues(failureKind(err)).Inc()
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrConnectionRefused):
		return "refused"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, ErrWriteTimeout):
		return "write_timeout"
	default:
		return "other"
	}
}
