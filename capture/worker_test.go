package capture

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corestream/bridge"
	"corestream/models"
)

// fakeDriver spawns nothing device-side; instead it hands back a listener
// address that the test's own TCP server accepts, standing in for the
// encoder agent's abstract socket.
type fakeDriver struct {
	listenAddr string
}

func (f *fakeDriver) PushFile(ctx context.Context, serial, local, remote string) error { return nil }

func (f *fakeDriver) ForwardPort(ctx context.Context, serial string, hostPort int, socket string) (int, error) {
	_, portStr, _ := net.SplitHostPort(f.listenAddr)
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

func startLoopbackServer(t *testing.T, data []byte) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write(data)
		time.Sleep(2 * time.Second)
	}()
	t.Cleanup(func() { _ = l.Close() })
	return l.Addr().String()
}

func TestWorker_IdempotentStop(t *testing.T) {
	sps := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42}
	addr := startLoopbackServer(t, sps)

	driver := &fakeDriver{listenAddr: addr}
	log := logrus.NewEntry(logrus.New())
	log.Logger.SetOutput(os.Stderr)

	w := NewWorker("test-serial", driver, models.CaptureConfig{Codec: models.CodecH264}, Options{
		EncoderAgentPath:   "/dev/null",
		EncoderRemotePath:  "/data/local/tmp/agent.jar",
		EncoderMainClass:   "com.corestream.Agent",
		DeviceAbstractName: "corestream",
		GopCapBytes:        4 << 20,
	}, log)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	require.NoError(t, w.Stop(ctx))
	require.NoError(t, w.Stop(ctx))
	require.NoError(t, w.Stop(ctx))
	assert.Equal(t, StateStopped, w.State())
}

func TestWorker_StartIsIdempotent(t *testing.T) {
	addr := startLoopbackServer(t, []byte{0x00, 0x00, 0x00, 0x01, 0x67})
	driver := &fakeDriver{listenAddr: addr}
	log := logrus.NewEntry(logrus.New())

	w := NewWorker("dev", driver, models.CaptureConfig{Codec: models.CodecH264}, Options{
		EncoderRemotePath:  "/tmp/agent.jar",
		EncoderMainClass:   "Agent",
		DeviceAbstractName: "corestream",
		GopCapBytes:        4 << 20,
	}, log)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())
	_ = w.Stop(ctx)
}
