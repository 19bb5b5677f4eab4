package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(realtimeEventsTotal, realtimeReconnectsTotal, realtimeSubscriptions) }

var realtimeEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "realtime_events_total",
		Help: "Realtime change events received, labeled by kind and result.",
	},
	[]string{"kind", "result"}, // kind: 'insert'|'update'|'delete'; result: 'applied'|'skipped'|'error'
)

var realtimeReconnectsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "realtime_reconnects_total",
		Help: "Reconnect attempts per subscription table.",
	},
	[]string{"table"},
)

var realtimeSubscriptions = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "realtime_subscriptions",
		Help: "Current subscriptions by status.",
	},
	[]string{"status"}, // 'connecting', 'connected', 'disconnected', 'error'
)

func IncRealtimeEvent(kind, result string) {
	realtimeEventsTotal.WithLabelValues(norm(kind), norm(result)).Inc()
}

func IncRealtimeReconnect(table string) {
	realtimeReconnectsTotal.WithLabelValues(norm(table)).Inc()
}

func SetRealtimeSubscriptions(status string, n int) {
	realtimeSubscriptions.WithLabelValues(norm(status)).Set(float64(n))
}
