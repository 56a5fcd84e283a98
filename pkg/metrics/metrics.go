// Package metrics exposes the Prometheus collectors shared by the realtime
// client, the notification center, the ledger and the realtime server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

type Registry struct {
	reg *prometheus.Registry

	// realtime client
	ReconnectAttempts prometheus.Counter
	ReconnectGiveUps  prometheus.Counter
	FramesReceived    prometheus.Counter
	MalformedFrames   prometheus.Counter
	FramesSent        prometheus.Counter
	FramesDropped     prometheus.Counter

	// notification center
	NotificationsAdded     *prometheus.CounterVec
	NotificationPersistErr prometheus.Counter
	NotificationsCached    prometheus.Gauge

	// ledger
	LedgerAdjustments *prometheus.CounterVec
	LedgerConflicts   prometheus.Counter
	LedgerLatencySec  prometheus.Histogram

	// realtime server
	HubSessions   prometheus.Gauge
	HubBroadcasts prometheus.Counter
	HubDropped    prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	reconnects := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_ws_reconnect_attempts_total"})
	giveUps := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_ws_reconnect_giveups_total"})
	received := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_ws_frames_received_total"})
	malformed := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_ws_frames_malformed_total"})
	sent := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_ws_frames_sent_total"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_ws_frames_dropped_total"})

	added := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "shopsync_notifications_added_total"}, []string{"origin"})
	persistErr := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_notifications_persist_errors_total"})
	cached := prometheus.NewGauge(prometheus.GaugeOpts{Name: "shopsync_notifications_cached"})

	adjustments := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "shopsync_ledger_adjustments_total"}, []string{"outcome"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_ledger_cas_conflicts_total"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shopsync_ledger_adjust_seconds",
		Buckets: prometheus.DefBuckets,
	})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{Name: "shopsync_hub_sessions"})
	broadcasts := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_hub_broadcasts_total"})
	hubDropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "shopsync_hub_dropped_total"})

	r.MustRegister(reconnects, giveUps, received, malformed, sent, dropped,
		added, persistErr, cached,
		adjustments, conflicts, latency,
		sessions, broadcasts, hubDropped)

	return &Registry{
		reg:                    r,
		ReconnectAttempts:      reconnects,
		ReconnectGiveUps:       giveUps,
		FramesReceived:         received,
		MalformedFrames:        malformed,
		FramesSent:             sent,
		FramesDropped:          dropped,
		NotificationsAdded:     added,
		NotificationPersistErr: persistErr,
		NotificationsCached:    cached,
		LedgerAdjustments:      adjustments,
		LedgerConflicts:        conflicts,
		LedgerLatencySec:       latency,
		HubSessions:            sessions,
		HubBroadcasts:          broadcasts,
		HubDropped:             hubDropped,
	}
}

// OrNew returns r, or a private registry when r is nil, so components can be
// built without wiring metrics.
func OrNew(r *Registry) *Registry {
	if r == nil {
		return NewRegistry()
	}
	return r
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// CounterValue reads the current value of a counter.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue reads the current value of a gauge.
func GaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
