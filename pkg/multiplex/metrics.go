package multiplex

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes a Connection's round-trip time and frame throughput as
// Prometheus collectors. It is safe for concurrent use and may be wired
// into a registry once per connection (or shared across connections via a
// gauge/counter vector, left to the caller since label sets are
// application-specific).
type Metrics struct {
	ref *ConnectionRef

	rtt            prometheus.GaugeFunc
	framesSent     prometheus.CounterFunc
	framesReceived prometheus.CounterFunc
}

// NewMetrics constructs collectors bound to ref. The returned Metrics must
// be registered with a prometheus.Registerer by the caller, typically via
// RegisterWith.
func NewMetrics(ref *ConnectionRef, labels prometheus.Labels) *Metrics {
	m := &Metrics{ref: ref}

	m.rtt = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "nexigon",
		Subsystem:   "multiplex",
		Name:        "round_trip_time_seconds",
		Help:        "Smoothed round-trip time estimate for the connection.",
		ConstLabels: labels,
	}, func() float64 {
		return ref.RoundTripTime().Seconds()
	})

	m.framesSent = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   "nexigon",
		Subsystem:   "multiplex",
		Name:        "frames_sent_total",
		Help:        "Total number of frames written to the transport.",
		ConstLabels: labels,
	}, func() float64 {
		return float64(ref.FramesSent())
	})

	m.framesReceived = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   "nexigon",
		Subsystem:   "multiplex",
		Name:        "frames_received_total",
		Help:        "Total number of frames read from the transport.",
		ConstLabels: labels,
	}, func() float64 {
		return float64(ref.FramesReceived())
	})

	return m
}

// RegisterWith registers all of the connection's collectors with reg.
func (m *Metrics) RegisterWith(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.rtt, m.framesSent, m.framesReceived} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
