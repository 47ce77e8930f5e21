// Package metrics exposes SessionMetrics (spec.md §3) to Prometheus.
// Grounded on linkerd2's pervasive prometheus/client_golang usage; this is
// the AMBIENT metrics surface SPEC_FULL.md §7 adds on top of the unchanged
// spec.md data model.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"corestream/models"
)

var (
	streamSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corestream",
		Name:      "stream_subscribers",
		Help:      "Current number of stream subscribers per device.",
	}, []string{"serial"})

	snapshotChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corestream",
		Name:      "snapshot_channels",
		Help:      "Current number of attached snapshot channels per device.",
	}, []string{"serial"})

	bytesIngested = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corestream",
		Name:      "bytes_ingested_total",
		Help:      "Total H.264 bytes ingested from the device encoder.",
	}, []string{"serial"})

	unitsBroadcast = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corestream",
		Name:      "units_broadcast_total",
		Help:      "Total H264Units published to subscribers.",
	}, []string{"serial"})

	droppedUnits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corestream",
		Name:      "dropped_units_total",
		Help:      "Total H264Units dropped due to subscriber queue overflow.",
	}, []string{"serial"})

	decoderState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corestream",
		Name:      "decoder_state",
		Help:      "Capture Worker state, labeled by its string name (value always 1).",
	}, []string{"serial", "state"})
)

// Observe updates every gauge from one SessionMetrics snapshot. Safe to
// call repeatedly on a timer; each call overwrites the prior values.
func Observe(m models.SessionMetrics) {
	streamSubscribers.WithLabelValues(m.Serial).Set(float64(m.StreamSubscriberCount))
	snapshotChannels.WithLabelValues(m.Serial).Set(float64(m.SnapshotChannelCount))
	bytesIngested.WithLabelValues(m.Serial).Set(float64(m.BytesIngested))
	unitsBroadcast.WithLabelValues(m.Serial).Set(float64(m.UnitsBroadcast))
	droppedUnits.WithLabelValues(m.Serial).Set(float64(m.DroppedUnitsTotal))
	decoderState.WithLabelValues(m.Serial, m.DecoderState).Set(1)
}

// ObserveAll is a convenience wrapper for a full registry.Snapshot() call.
func ObserveAll(metrics []models.SessionMetrics) {
	for _, m := range metrics {
		Observe(m)
	}
}
