package models

import "time"

// DeviceState is the lifecycle state of a tracked Android device.
type DeviceState string

const (
	DeviceOnline       DeviceState = "online"
	DeviceOffline      DeviceState = "offline"
	DeviceUnauthorized DeviceState = "unauthorized"
	DeviceUnknown      DeviceState = "unknown"
)

// Device is the Tracker's view of a single physical (or emulated) Android
// device, keyed by its hardware serial once enrichment has run (by the
// debug-bridge connection descriptor until then). Attributes are mutated
// only by the Device Tracker; the record is created on first observation
// and is only transitioned to DeviceOffline, never dropped, except that a
// provisional descriptor-keyed record is merged into the hardware-serial
// record when enrichment resolves it.
type Device struct {
	Serial       string      `json:"serial"`
	State        DeviceState `json:"state"`
	Model        string      `json:"model,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	IsEmulator   bool        `json:"is_emulator"`
	LastSeenAt   time.Time   `json:"last_seen_at"`
}
