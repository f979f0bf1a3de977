package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts channel activity. A nil *Metrics records nothing.
type Metrics struct {
	Delivered  prometheus.Counter
	Dropped    prometheus.Counter
	Duplicates prometheus.Counter
	Reconnects prometheus.Counter
	Connected  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mealsync_realtime_messages_delivered_total",
			Help: "Notifications handed to subscribers.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mealsync_realtime_messages_dropped_total",
			Help: "Inbound frames that failed validation.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mealsync_realtime_messages_duplicate_total",
			Help: "Notifications suppressed as already delivered.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mealsync_realtime_reconnects_total",
			Help: "Scheduled reconnect attempts.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mealsync_realtime_connected",
			Help: "1 while the socket is open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Delivered, m.Dropped, m.Duplicates, m.Reconnects, m.Connected)
	}
	return m
}

func (m *Metrics) delivered() {
	if m != nil {
		m.Delivered.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.Duplicates.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) connected(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}
