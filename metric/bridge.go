package metric

import "github.com/prometheus/client_golang/prometheus"

// BridgeMetrics holds the Prometheus metrics for one device session.
type BridgeMetrics struct {
	ConnectsTotal      prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	ConnectionState    prometheus.Gauge
	MessagesReceived   prometheus.Counter
	MessagesSent       prometheus.Counter
	PollRounds         *prometheus.CounterVec
	PollRequestErrors  prometheus.Counter
	SnapshotKeys       prometheus.Gauge
	SnapshotAgeSeconds prometheus.Gauge
}

// NewBridgeMetrics creates and registers the session metrics. A nil
// registry disables metrics; callers must nil-check before use.
// Registration fails only when a session for the same device already
// claimed the names.
func NewBridgeMetrics(registry *Registry, device string) (*BridgeMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"device": device}

	m := &BridgeMetrics{
		ConnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "cresontrol",
			Subsystem:   "connection",
			Name:        "connects_total",
			Help:        "Total successful WebSocket connections",
			ConstLabels: labels,
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "cresontrol",
			Subsystem:   "connection",
			Name:        "reconnect_attempts_total",
			Help:        "Total reconnection attempts",
			ConstLabels: labels,
		}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cresontrol",
			Subsystem:   "connection",
			Name:        "state",
			Help:        "Connection state (0=disconnected 1=connecting 2=connected 3=reconnecting)",
			ConstLabels: labels,
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "cresontrol",
			Subsystem:   "connection",
			Name:        "messages_received_total",
			Help:        "Total lines received over the live connection",
			ConstLabels: labels,
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "cresontrol",
			Subsystem:   "connection",
			Name:        "messages_sent_total",
			Help:        "Total commands sent over the live connection",
			ConstLabels: labels,
		}),
		PollRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cresontrol",
			Subsystem:   "poller",
			Name:        "rounds_total",
			Help:        "Fallback poll rounds by result",
			ConstLabels: labels,
		}, []string{"result"}),
		PollRequestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "cresontrol",
			Subsystem:   "poller",
			Name:        "request_errors_total",
			Help:        "Individual fallback request failures",
			ConstLabels: labels,
		}),
		SnapshotKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cresontrol",
			Subsystem:   "snapshot",
			Name:        "keys",
			Help:        "Number of parameter keys in the merged snapshot",
			ConstLabels: labels,
		}),
		SnapshotAgeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cresontrol",
			Subsystem:   "snapshot",
			Name:        "age_seconds",
			Help:        "Age of the most recent snapshot update",
			ConstLabels: labels,
		}),
	}

	collectors := []struct {
		component string
		name      string
		collector prometheus.Collector
	}{
		{"connection", "connects_total", m.ConnectsTotal},
		{"connection", "reconnect_attempts_total", m.ReconnectAttempts},
		{"connection", "state", m.ConnectionState},
		{"connection", "messages_received_total", m.MessagesReceived},
		{"connection", "messages_sent_total", m.MessagesSent},
		{"poller", "rounds_total", m.PollRounds},
		{"poller", "request_errors_total", m.PollRequestErrors},
		{"snapshot", "keys", m.SnapshotKeys},
		{"snapshot", "age_seconds", m.SnapshotAgeSeconds},
	}
	for _, c := range collectors {
		if err := registry.Register(c.component, c.name, c.collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}
