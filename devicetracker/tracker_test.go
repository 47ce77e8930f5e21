package devicetracker

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corestream/bridge"
	"corestream/models"
)

type fakeDriver struct {
	events chan bridge.DeviceEvent
}

func (f *fakeDriver) PushFile(ctx context.Context, serial, local, remote string) error { return nil }
func (f *fakeDriver) ForwardPort(ctx context.Context, serial string, hostPort int, socket string) (int, error) {
	return 0, nil
}
func (f *fakeDriver) UnforwardPort(ctx context.Context, serial string, hostPort int) error { return nil }
func (f *fakeDriver) SpawnDeviceProcess(ctx context.Context, serial, classpath, mainClass string, args []string) (*bridge.DeviceProcessHandle, error) {
	return nil, nil
}
func (f *fakeDriver) TrackDevices(ctx context.Context) (<-chan bridge.DeviceEvent, error) {
	return f.events, nil
}
func (f *fakeDriver) EnrichDevice(ctx context.Context, serial string) (models.Device, error) {
	return models.Device{Serial: serial, Model: "Pixel", Manufacturer: "Google"}, nil
}

// reconcilingDriver enriches every descriptor to the same hardware serial,
// simulating a USB and a network descriptor for one physical device.
type reconcilingDriver struct {
	events   chan bridge.DeviceEvent
	hwSerial string
}

func (f *reconcilingDriver) PushFile(ctx context.Context, serial, local, remote string) error {
	return nil
}
func (f *reconcilingDriver) ForwardPort(ctx context.Context, serial string, hostPort int, socket string) (int, error) {
	return 0, nil
}
func (f *reconcilingDriver) UnforwardPort(ctx context.Context, serial string, hostPort int) error {
	return nil
}
func (f *reconcilingDriver) SpawnDeviceProcess(ctx context.Context, serial, classpath, mainClass string, args []string) (*bridge.DeviceProcessHandle, error) {
	return nil, nil
}
func (f *reconcilingDriver) TrackDevices(ctx context.Context) (<-chan bridge.DeviceEvent, error) {
	return f.events, nil
}
func (f *reconcilingDriver) EnrichDevice(ctx context.Context, descriptor string) (models.Device, error) {
	return models.Device{Serial: f.hwSerial, Model: "Pixel"}, nil
}

func TestTracker_ReconcilesTwoDescriptorsOntoOneHardwareSerial(t *testing.T) {
	events := make(chan bridge.DeviceEvent, 2)
	driver := &reconcilingDriver{events: events, hwSerial: "HW-SERIAL-1"}
	tr := New(driver, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	events <- bridge.DeviceEvent{Serial: "usb:1-2", NewState: models.DeviceOnline}
	require.Eventually(t, func() bool {
		for _, d := range tr.Snapshot() {
			if d.Serial == "HW-SERIAL-1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	events <- bridge.DeviceEvent{Serial: "192.168.1.5:5555", NewState: models.DeviceOnline}
	require.Eventually(t, func() bool {
		return len(tr.Snapshot()) == 1 && tr.Snapshot()[0].Serial == "HW-SERIAL-1"
	}, time.Second, 5*time.Millisecond, "two descriptors for the same hardware serial must collapse to one Device record")
}

func TestTracker_EnrichesNewDeviceWithoutBlockingEventPath(t *testing.T) {
	events := make(chan bridge.DeviceEvent, 1)
	driver := &fakeDriver{events: events}
	tr := New(driver, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	events <- bridge.DeviceEvent{Serial: "abc123", NewState: models.DeviceOnline}

	require.Eventually(t, func() bool {
		for _, d := range tr.Snapshot() {
			if d.Serial == "abc123" && d.Model == "Pixel" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestTracker_SubscribeReceivesChangeEvents(t *testing.T) {
	events := make(chan bridge.DeviceEvent, 1)
	driver := &fakeDriver{events: events}
	tr := New(driver, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	id, ch := tr.Subscribe()
	defer tr.Unsubscribe(id)

	events <- bridge.DeviceEvent{Serial: "dev-1", NewState: models.DeviceOnline}

	select {
	case snap := <-ch:
		assert.NotEmpty(t, snap)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestTracker_UnsubscribeIsIdempotentAndDoesNotBlockEmit(t *testing.T) {
	events := make(chan bridge.DeviceEvent, 1)
	driver := &fakeDriver{events: events}
	tr := New(driver, logrus.NewEntry(logrus.New()))

	id, ch := tr.Subscribe()
	tr.Unsubscribe(id)
	tr.Unsubscribe(id)
	tr.emit()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestTracker_SlowSubscriberDropsNewestInsteadOfBlocking(t *testing.T) {
	events := make(chan bridge.DeviceEvent, 1)
	driver := &fakeDriver{events: events}
	tr := New(driver, logrus.NewEntry(logrus.New()))

	_, ch := tr.Subscribe()
	for i := 0; i < subscriberQueueDepth+4; i++ {
		tr.handleEvent(context.Background(), bridge.DeviceEvent{Serial: "dev-x", NewState: models.DeviceOnline})
	}
	assert.LessOrEqual(t, len(ch), subscriberQueueDepth)
}
