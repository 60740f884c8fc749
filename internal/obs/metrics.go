package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections     = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "socketproxy_active_connections", Help: "Currently open proxied connections"}, []string{"service"})
	ConnectionsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "socketproxy_connections_total", Help: "Accepted proxied connections"}, []string{"service"})
	TransferredBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "socketproxy_transferred_bytes_total", Help: "Bytes moved through proxied connections"}, []string{"service", "direction"})
	RelayLinks            = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "socketproxy_relay_links", Help: "Active entry/relay tunnel links"}, []string{"role"})
	RelayReconnectsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "socketproxy_relay_reconnects_total", Help: "Relay reconnect attempts scheduled"})
	FramesTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "socketproxy_frames_total", Help: "Tunnel frames by type and direction"}, []string{"type", "direction"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "socketproxy_errors_total", Help: "Errors by type"}, []string{"type"})
	ConnectionDuration    = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "socketproxy_connection_duration_seconds", Help: "Proxied connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}, []string{"service"})
)
