package registry

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corestream/bridge"
	"corestream/capture"
	"corestream/models"
	"corestream/snapshot"
)

type fakeDriver struct{ addr string }

func (f *fakeDriver) PushFile(ctx context.Context, serial, local, remote string) error { return nil }

func (f *fakeDriver) ForwardPort(ctx context.Context, serial string, hostPort int, socket string) (int, error) {
	_, portStr, _ := net.SplitHostPort(f.addr)
	port, _ := strconv.Atoi(portStr)
	return port, nil
}

func (f *fakeDriver) UnforwardPort(ctx context.Context, serial string, hostPort int) error { return nil }

func (f *fakeDriver) SpawnDeviceProcess(ctx context.Context, serial, classpath, mainClass string, args []string) (*bridge.DeviceProcessHandle, error) {
	return &bridge.DeviceProcessHandle{}, nil
}

func (f *fakeDriver) TrackDevices(ctx context.Context) (<-chan bridge.DeviceEvent, error) {
	ch := make(chan bridge.DeviceEvent)
	close(ch)
	return ch, nil
}

func (f *fakeDriver) EnrichDevice(ctx context.Context, serial string) (models.Device, error) {
	return models.Device{Serial: serial}, nil
}

func startLoopback(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				time.Sleep(2 * time.Second)
			}()
		}
	}()
	t.Cleanup(func() { _ = l.Close() })
	return l.Addr().String()
}

func newTestRegistry(t *testing.T, driver bridge.Driver) *Registry {
	log := logrus.NewEntry(logrus.New())
	factory := Factory{
		NewWorker: func(serial string, cfg models.CaptureConfig) *capture.Worker {
			return capture.NewWorker(serial, driver, cfg, capture.Options{
				EncoderRemotePath:  "/tmp/agent.jar",
				EncoderMainClass:   "Agent",
				DeviceAbstractName: "corestream",
				GopCapBytes:        4 << 20,
			}, log)
		},
		NewPipeline: func(serial string, w *capture.Worker) *snapshot.Pipeline {
			return snapshot.NewPipeline(serial, w, snapshot.Options{DecoderPath: "/bin/cat"}, log)
		},
	}
	r, err := New(driver, factory, 0, log)
	require.NoError(t, err)
	return r
}

func TestRegistry_GetOrCreateWorkerIsSingleton(t *testing.T) {
	driver := &fakeDriver{addr: startLoopback(t)}
	r := newTestRegistry(t, driver)
	ctx := context.Background()

	w1, err := r.GetOrCreateWorker(ctx, "dev-1", models.CaptureConfig{Codec: models.CodecH264})
	require.NoError(t, err)
	w2, err := r.GetOrCreateWorker(ctx, "dev-1", models.CaptureConfig{Codec: models.CodecH264})
	require.NoError(t, err)
	assert.Same(t, w1, w2)
}

func TestRegistry_StopAllWithinDeadline(t *testing.T) {
	driver := &fakeDriver{addr: startLoopback(t)}
	r := newTestRegistry(t, driver)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.GetOrCreateWorker(ctx, "dev-"+strconv.Itoa(i), models.CaptureConfig{Codec: models.CodecH264})
		require.NoError(t, err)
		_, err = r.GetOrCreateSnapshot(ctx, "dev-"+strconv.Itoa(i), models.CaptureConfig{Codec: models.CodecH264})
		require.NoError(t, err)
	}

	start := time.Now()
	r.StopAll(5 * time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, r.Snapshot())
}
