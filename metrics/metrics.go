package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_ticks_ingested_total",
		Help: "Ticks accepted into the pipeline, by provider",
	}, []string{"provider"})

	TicksDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_ticks_deduplicated_total",
		Help: "Trades suppressed as cross-provider duplicates, by provider",
	}, []string{"provider"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_frames_dropped_total",
		Help: "Upstream frames dropped, by provider and reason",
	}, []string{"provider", "reason"})

	ProviderConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketstream_provider_connected",
		Help: "1 when the provider stream is connected",
	}, []string{"provider"})

	ProviderReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_provider_reconnects_total",
		Help: "Reconnect attempts, by provider",
	}, []string{"provider"})

	CandlesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_candles_closed_total",
		Help: "Closed candles emitted, by interval",
	}, []string{"interval"})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_broadcast_messages_total",
		Help: "Frames delivered to downstream connections, by channel",
	}, []string{"channel"})

	StaleConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_stale_connections_total",
		Help: "Downstream connections dropped after a failed send",
	})

	BroadcastLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketstream_broadcast_seconds",
		Help:    "Time spent fanning one frame out to its subscribers",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_ws_connections",
		Help: "Current downstream websocket connections",
	})

	Subscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_ws_subscribed_symbols",
		Help: "Distinct symbols in the subscription union",
	})

	Leader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_aggregator_leader",
		Help: "1 while this instance holds the aggregator lease",
	})

	RelayAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_relay_available",
		Help: "1 while the distributed relay is reachable",
	})

	RelayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_relay_published_total",
		Help: "Messages published, by kind and path (relay or local)",
	}, []string{"kind", "path"})

	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketstream_poll_duration_seconds",
		Help:    "REST batch quote latency, by market",
		Buckets: prometheus.LinearBuckets(0.05, 0.25, 10),
	}, []string{"market"})

	SinkRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_sink_rows_total",
		Help: "Rows written to the ClickHouse sink, by table",
	}, []string{"table"})

	SinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_sink_errors_total",
		Help: "Failed ClickHouse batch inserts",
	})
)

// SetBool stores 1 or 0 in g.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
