package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry returns a Prometheus registry with collectors reading the
// aggregator's atomics directly; scraping never locks the relay path.
func (a *Aggregator) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "udstunnel_current_sessions",
			Help: "Sessions currently relaying.",
		}, func() float64 { return float64(a.current.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "udstunnel_sessions_total",
			Help: "Sessions that reached the relaying state.",
		}, func() float64 { return float64(a.total.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "udstunnel_sent_bytes_total",
			Help: "Bytes relayed client to destination.",
		}, func() float64 { return float64(a.sent.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "udstunnel_received_bytes_total",
			Help: "Bytes relayed destination to client.",
		}, func() float64 { return float64(a.received.Load()) }),
	)
	return reg
}
