package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the metrics gathered by reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ClientMetrics counts outbound REST requests.
type ClientMetrics struct {
	inFlight prometheus.Gauge
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewClientMetrics registers the outbound request collectors with reg.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mealsync_api_in_flight_requests",
			Help: "In-flight REST requests.",
		}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mealsync_api_requests_total",
			Help: "Total number of REST requests.",
		}, []string{"method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mealsync_api_request_duration_seconds",
			Help:    "REST request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.inFlight, m.total, m.duration)
	}
	return m
}

// Instrument wraps next. Paths carry ids so only method and status are labels;
// a transport failure is recorded with status "error".
func (m *ClientMetrics) Instrument(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()
		start := time.Now()

		resp, err := next.RoundTrip(req)

		status := "error"
		if err == nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		m.duration.WithLabelValues(req.Method, status).Observe(time.Since(start).Seconds())
		m.total.WithLabelValues(req.Method, status).Inc()
		return resp, err
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
