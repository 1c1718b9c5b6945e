// Package metrics provides Prometheus metrics for the room sync server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_active_rooms",
			Help: "Number of rooms with a running actor",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_active_sessions",
			Help: "Number of connected sessions across all rooms",
		},
	)

	joinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_joins_total",
			Help: "Total join attempts",
		},
		[]string{"result"},
	)

	structureUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_structure_updates_total",
			Help: "Structure updates received from sessions",
		},
		[]string{"result"},
	)

	snapshotLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_snapshot_loads_total",
			Help: "Snapshots delivered to joining sessions, by source",
		},
		[]string{"source"},
	)

	savesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_saves_total",
			Help: "Snapshot writes to the durable store",
		},
		[]string{"status"},
	)

	saveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomsync_save_duration_seconds",
			Help:    "Snapshot write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_evictions_total",
			Help: "Sessions dropped because their outbound queue overflowed",
		},
	)

	relayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_relay_messages_total",
			Help: "Cross-instance relay messages",
		},
		[]string{"direction", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RoomStarted() { activeRooms.Inc() }
func RoomStopped() { activeRooms.Dec() }

func SessionJoined() { activeSessions.Inc() }
func SessionLeft()   { activeSessions.Dec() }

// RecordJoin counts an admission attempt. result is "member", "guest" or
// "rejected".
func RecordJoin(result string) {
	joinsTotal.WithLabelValues(result).Inc()
}

// RecordStructureUpdate counts an incoming update by what the room did with
// it: an apply outcome, "denied" or "not_loaded".
func RecordStructureUpdate(result string) {
	structureUpdatesTotal.WithLabelValues(result).Inc()
}

func RecordSnapshotLoad(source string) {
	snapshotLoadsTotal.WithLabelValues(source).Inc()
}

// RecordSave records a durable write.
func RecordSave(duration time.Duration, success bool) {
	saveDuration.Observe(duration.Seconds())
	savesTotal.WithLabelValues(status(success)).Inc()
}

func RecordEviction() { evictionsTotal.Inc() }

// RecordRelay records a message published to ("out") or received from
// ("in") the relay.
func RecordRelay(direction string, success bool) {
	relayMessagesTotal.WithLabelValues(direction, status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
