package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signal_connections",
		Help: "Number of registered client connections",
	})

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_messages_total",
			Help: "Total frames by direction and message type",
		},
		[]string{"direction", "type"}, // in|out
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signal_rpc_duration_seconds",
			Help:    "RPC round trip latency seen by the requester",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"side", "status"},
	)

	droppedResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_dropped_responses_total",
			Help: "Responses and requests discarded without delivery",
		},
		[]string{"reason"}, // expired|unknown|late
	)

	authFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signal_auth_failures_total",
		Help: "Total failed preshared key handshakes",
	})

	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_rejected_connections_total",
			Help: "Connections refused before registration",
		},
		[]string{"reason"}, // ip_filter|duplicate
	)

	reapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_reaped_clients_total",
			Help: "Clients removed by the idle reaper",
		},
		[]string{"reason"}, // idle|dead|nil
	)

	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signal_reconnects_total",
		Help: "Client reconnect attempts",
	})

	routesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_routes_total",
			Help: "Routed RPC requests by tag and result status",
		},
		[]string{"tag", "status"},
	)

	relayTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_relay_messages_total",
			Help: "Broadcasts relayed through the redis bus",
		},
		[]string{"direction"}, // published|delivered|error
	)
)

func init() {
	prometheus.MustRegister(
		connections,
		messagesTotal,
		rpcDuration,
		droppedResponsesTotal,
		authFailuresTotal,
		rejectedTotal,
		reapedTotal,
		reconnectsTotal,
		routesTotal,
		relayTotal,
	)
}

func AddConnections(delta float64)                { connections.Add(delta) }
func IncMessage(direction, kind string)           { messagesTotal.WithLabelValues(direction, kind).Inc() }
func ObserveRPC(side, status string, sec float64) { rpcDuration.WithLabelValues(side, status).Observe(sec) }
func IncDroppedResponse(reason string)            { droppedResponsesTotal.WithLabelValues(reason).Inc() }
func IncAuthFailure()                             { authFailuresTotal.Inc() }
func IncRejected(reason string)                   { rejectedTotal.WithLabelValues(reason).Inc() }
func IncReaped(reason string)                     { reapedTotal.WithLabelValues(reason).Inc() }
func IncReconnect()                               { reconnectsTotal.Inc() }
func IncRoute(tag, status string)                 { routesTotal.WithLabelValues(tag, status).Inc() }
func IncRelay(direction string)                   { relayTotal.WithLabelValues(direction).Inc() }
