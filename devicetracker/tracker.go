// Package devicetracker implements the Device Tracker from spec §4.7:
// consume the Debug-Bridge Driver's device-change stream, enrich newly
// seen devices without blocking the event path, and fan change events out
// to external SSE subscribers.
//
// Grounded on the teacher's ADBClient.enrichDeviceInfo/deduplicateDevices
// (adb/adb.go) for what to fetch on first sight, generalized with
// vishalkuo/bimap (as babelcloud-gbox's DeviceKeeper does) so two distinct
// bridge-level connection descriptors for the same hardware device
// collapse to one Device record instead of appearing twice.
package devicetracker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vishalkuo/bimap"

	"corestream/bridge"
	"corestream/models"
)

const subscriberQueueDepth = 8

// Tracker owns the current Device set and fans out change events.
type Tracker struct {
	driver bridge.Driver
	log    *logrus.Entry

	mu      sync.RWMutex
	devices map[string]models.Device
	descBiMap *bimap.BiMap[string, string] // connection descriptor <-> canonical serial

	subsMu sync.Mutex
	subs   map[string]chan []models.Device
}

func New(driver bridge.Driver, log *logrus.Entry) *Tracker {
	return &Tracker{
		driver:    driver,
		log:       log,
		devices:   make(map[string]models.Device),
		descBiMap: bimap.NewBiMap[string, string](),
		subs:      make(map[string]chan []models.Device),
	}
}

// Run consumes TrackDevices() until ctx is canceled or the stream ends.
func (t *Tracker) Run(ctx context.Context) error {
	events, err := t.driver.TrackDevices(ctx)
	if err != nil {
		return models.NewError(models.ErrBridgeUnreachable, "Tracker.Run", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.handleEvent(ctx, ev)
		}
	}
}

func (t *Tracker) handleEvent(ctx context.Context, ev bridge.DeviceEvent) {
	descriptor := ev.Serial
	provisional := t.canonicalSerial(descriptor)

	t.mu.Lock()
	dev, known := t.devices[provisional]
	if !known {
		dev = models.Device{Serial: provisional}
	}
	dev.State = ev.NewState
	t.devices[provisional] = dev
	t.mu.Unlock()
	t.emit()

	if !known && ev.NewState == models.DeviceOnline {
		// Enrichment never blocks the event path: a second event follows
		// once properties (including the hardware serial) are fetched.
		go t.enrich(ctx, descriptor, provisional)
	}
}

// enrich fetches device properties for descriptor and reconciles it onto
// its hardware serial. A USB descriptor and a network ("ip:port")
// descriptor for the same physical device enrich to the same serial; when
// that serial differs from the provisional key handleEvent used, the
// provisional Device record is merged onto the canonical one instead of
// persisting as a separate duplicate entry.
func (t *Tracker) enrich(ctx context.Context, descriptor, provisional string) {
	enriched, err := t.driver.EnrichDevice(ctx, descriptor)
	if err != nil {
		t.log.WithError(err).WithField("descriptor", descriptor).Warn("failed to enrich device")
		return
	}
	hwSerial := enriched.Serial
	if hwSerial == "" {
		hwSerial = provisional
	}

	t.mu.Lock()
	t.descBiMap.Insert(descriptor, hwSerial)

	dev, ok := t.devices[hwSerial]
	if !ok {
		dev = t.devices[provisional]
	}
	if hwSerial != provisional {
		delete(t.devices, provisional)
	}
	dev.Serial = hwSerial
	dev.Model = enriched.Model
	dev.Manufacturer = enriched.Manufacturer
	dev.IsEmulator = enriched.IsEmulator
	dev.LastSeenAt = enriched.LastSeenAt
	t.devices[hwSerial] = dev
	t.mu.Unlock()
	t.emit()
}

// canonicalSerial returns the hardware serial already reconciled for
// descriptor, or descriptor itself as a provisional key if enrichment
// hasn't run yet.
func (t *Tracker) canonicalSerial(descriptor string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if serial, ok := t.descBiMap.Get(descriptor); ok {
		return serial
	}
	return descriptor
}

// Snapshot returns the full current Device set.
func (t *Tracker) Snapshot() []models.Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	return out
}

// Subscribe registers a new bounded, drop-newest change-event channel for
// one external SSE consumer.
func (t *Tracker) Subscribe() (id string, ch <-chan []models.Device) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	id = newSubID()
	c := make(chan []models.Device, subscriberQueueDepth)
	t.subs[id] = c
	return id, c
}

// Unsubscribe removes and closes a subscriber's channel.
func (t *Tracker) Unsubscribe(id string) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	if c, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(c)
	}
}

// emit sends the full current set to every SSE subscriber, dropping the
// new event rather than blocking when a subscriber's channel is full.
func (t *Tracker) emit() {
	snap := t.Snapshot()
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, c := range t.subs {
		select {
		case c <- snap:
		default:
		}
	}
}
