package models

import "time"

// SessionMetrics is a read-only snapshot of one device's stream/snapshot
// activity, returned by Registry.Snapshot for external observability.
type SessionMetrics struct {
	Serial                string    `json:"serial"`
	StreamSubscriberCount int       `json:"stream_subscriber_count"`
	SnapshotChannelCount  int       `json:"snapshot_channel_count"`
	BytesIngested         uint64    `json:"bytes_ingested"`
	UnitsBroadcast        uint64    `json:"units_broadcast"`
	DroppedUnitsTotal     uint64    `json:"dropped_units_total"`
	DecoderState          string    `json:"decoder_state"`
	LastIDRAt             time.Time `json:"last_idr_at"`
}
