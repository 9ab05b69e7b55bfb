package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flumeproxy/flume/internal/proxy"
)

// Collector exposes tunnel manager snapshots as Prometheus metrics. The
// core is never pushed to: every scrape reads a fresh snapshot, so the
// collector holds no counter state of its own.
type Collector struct {
	mgr *proxy.Manager

	tunnels           *prometheus.Desc
	tunnelOpen        *prometheus.Desc
	tunnelTotal       *prometheus.Desc
	tunnelSent        *prometheus.Desc
	tunnelReceived    *prometheus.Desc
	tunnelErrors      *prometheus.Desc
	backendOpen       *prometheus.Desc
	backendTotal      *prometheus.Desc
	backendSent       *prometheus.Desc
	backendReceived   *prometheus.Desc
	backendDialErrors *prometheus.Desc
	backendUp         *prometheus.Desc
}

func NewCollector(mgr *proxy.Manager) *Collector {
	tunnelLabels := []string{"tunnel"}
	backendLabels := []string{"tunnel", "backend"}
	return &Collector{
		mgr:               mgr,
		tunnels:           prometheus.NewDesc("flume_tunnels", "Number of registered tunnels", nil, nil),
		tunnelOpen:        prometheus.NewDesc("flume_tunnel_open_connections", "Currently open connections per tunnel", tunnelLabels, nil),
		tunnelTotal:       prometheus.NewDesc("flume_tunnel_connections_total", "Total connections per tunnel", tunnelLabels, nil),
		tunnelSent:        prometheus.NewDesc("flume_tunnel_bytes_sent_total", "Bytes forwarded client to backend per tunnel", tunnelLabels, nil),
		tunnelReceived:    prometheus.NewDesc("flume_tunnel_bytes_received_total", "Bytes forwarded backend to client per tunnel", tunnelLabels, nil),
		tunnelErrors:      prometheus.NewDesc("flume_tunnel_errors_total", "Connection errors per tunnel", tunnelLabels, nil),
		backendOpen:       prometheus.NewDesc("flume_backend_open_connections", "Currently open connections per backend", backendLabels, nil),
		backendTotal:      prometheus.NewDesc("flume_backend_connections_total", "Total connections per backend", backendLabels, nil),
		backendSent:       prometheus.NewDesc("flume_backend_bytes_sent_total", "Bytes forwarded client to backend", backendLabels, nil),
		backendReceived:   prometheus.NewDesc("flume_backend_bytes_received_total", "Bytes forwarded backend to client", backendLabels, nil),
		backendDialErrors: prometheus.NewDesc("flume_backend_dial_errors_total", "Failed dial attempts per backend", backendLabels, nil),
		backendUp:         prometheus.NewDesc("flume_backend_up", "Backend liveness: 1 up, 0 down; absent while unknown", backendLabels, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snaps := c.mgr.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.tunnels, prometheus.GaugeValue, float64(len(snaps)))

	for _, s := range snaps {
		ch <- prometheus.MustNewConstMetric(c.tunnelOpen, prometheus.GaugeValue, float64(s.OpenConns), s.Local)
		ch <- prometheus.MustNewConstMetric(c.tunnelTotal, prometheus.CounterValue, float64(s.TotalConns), s.Local)
		ch <- prometheus.MustNewConstMetric(c.tunnelSent, prometheus.CounterValue, float64(s.BytesSent), s.Local)
		ch <- prometheus.MustNewConstMetric(c.tunnelReceived, prometheus.CounterValue, float64(s.BytesReceived), s.Local)
		ch <- prometheus.MustNewConstMetric(c.tunnelErrors, prometheus.CounterValue, float64(s.Errors), s.Local)

		for _, b := range s.Backends {
			ch <- prometheus.MustNewConstMetric(c.backendOpen, prometheus.GaugeValue, float64(b.OpenConns), s.Local, b.Addr)
			ch <- prometheus.MustNewConstMetric(c.backendTotal, prometheus.CounterValue, float64(b.TotalConns), s.Local, b.Addr)
			ch <- prometheus.MustNewConstMetric(c.backendSent, prometheus.CounterValue, float64(b.BytesSent), s.Local, b.Addr)
			ch <- prometheus.MustNewConstMetric(c.backendReceived, prometheus.CounterValue, float64(b.BytesReceived), s.Local, b.Addr)
			ch <- prometheus.MustNewConstMetric(c.backendDialErrors, prometheus.CounterValue, float64(b.DialErrors), s.Local, b.Addr)
			switch b.State {
			case "up":
				ch <- prometheus.MustNewConstMetric(c.backendUp, prometheus.GaugeValue, 1, s.Local, b.Addr)
			case "down":
				ch <- prometheus.MustNewConstMetric(c.backendUp, prometheus.GaugeValue, 0, s.Local, b.Addr)
			}
		}
	}
}

// NewHandler returns an http.Handler serving the /metrics scrape for mgr.
func NewHandler(mgr *proxy.Manager) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewCollector(mgr),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
