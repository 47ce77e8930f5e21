package bridge

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"

	adb "github.com/basiooo/goadb"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"corestream/models"
)

// ADBDriver implements Driver by shelling out to the adb CLI for the
// request/response operations (push, forward, spawn) and, for
// TrackDevices, by driving a basiooo/goadb client's device watcher — see
// watcher_bridge.go.
//
// The push/forward/spawn operations stay exec-based rather than going
// through goadb's own sync/forward calls because spawn_device_process
// must hand back a *DeviceProcessHandle wired to the host process's own
// Wait()/Kill(), matching exactly what the teacher's
// ExecuteCommandBackground does in adb/adb.go.
type ADBDriver struct {
	ADBPath string
	log     *logrus.Entry
	jars    *jarManifestCache

	adbClient *adb.Adb
	watcher   *adb.DeviceWatcher
}

// NewADBDriver constructs a driver using the given adb binary path (empty
// defaults to "adb" resolved via PATH).
func NewADBDriver(adbPath string, log *logrus.Entry) *ADBDriver {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &ADBDriver{ADBPath: adbPath, log: log, jars: newJarManifestCache()}
}

func (d *ADBDriver) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.ADBPath, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "adb %s", strings.Join(args, " "))
	}
	return out, nil
}

// PushFile pushes a local file to a device path, skipping the push
// entirely if the jar cache shows an identical hash was already pushed
// (spec §4.3: "skip if already present with correct hash").
func (d *ADBDriver) PushFile(ctx context.Context, serial, localPath, remotePath string) error {
	hash, err := fileHash(localPath)
	if err == nil && d.jars.alreadyPushed(serial, remotePath, hash) {
		return nil
	}
	if _, err := d.run(ctx, "-s", serial, "push", localPath, remotePath); err != nil {
		return models.NewError(models.ErrBridgeUnreachable, "bridge.PushFile", err)
	}
	if err == nil {
		d.jars.record(serial, remotePath, hash)
	}
	return nil
}

// ForwardPort installs tcp:hostPort -> localabstract:deviceSocket. A zero
// hostPort means "ephemeral": a free port is chosen and returned.
func (d *ADBDriver) ForwardPort(ctx context.Context, serial string, hostPort int, deviceSocket string) (int, error) {
	if hostPort == 0 {
		p, err := freeTCPPort()
		if err != nil {
			return 0, models.NewError(models.ErrTCPConnectFailed, "bridge.ForwardPort", err)
		}
		hostPort = p
	}
	_, err := d.run(ctx, "-s", serial, "forward", fmt.Sprintf("tcp:%d", hostPort), "localabstract:"+deviceSocket)
	if err != nil {
		return 0, models.NewError(models.ErrBridgeUnreachable, "bridge.ForwardPort", err)
	}
	return hostPort, nil
}

// UnforwardPort removes a forward. Missing forwards are not an error.
func (d *ADBDriver) UnforwardPort(ctx context.Context, serial string, hostPort int) error {
	_, _ = d.run(ctx, "-s", serial, "forward", "--remove", fmt.Sprintf("tcp:%d", hostPort))
	return nil
}

// SpawnDeviceProcess starts `app_process`-style device binary as a detached
// background shell command, mirroring the teacher's
// ExecuteCommandBackground/ScrcpyClient.Start argv construction.
func (d *ADBDriver) SpawnDeviceProcess(ctx context.Context, serial, classpath, mainClass string, args []string) (*DeviceProcessHandle, error) {
	shellArgs := append([]string{
		fmt.Sprintf("CLASSPATH=%s", classpath),
		"app_process", "/", mainClass,
	}, args...)

	fullArgs := append([]string{"-s", serial, "shell"}, shellArgs...)
	cmd := exec.CommandContext(ctx, d.ADBPath, fullArgs...)
	if err := cmd.Start(); err != nil {
		return nil, models.NewError(models.ErrEncoderSpawnFailed, "bridge.SpawnDeviceProcess", err)
	}
	return &DeviceProcessHandle{cmd: cmd}, nil
}

// EnrichDevice fetches descriptive properties for a newly observed
// connection descriptor, grounded on the teacher's
// enrichDeviceInfo/getProperty/getScreenResolution. The returned Device's
// Serial is the hardware serial (`ro.serialno`) when the device exposes
// one, not the connection descriptor passed in — a USB-attached and a
// network-attached ("ip:port") descriptor for the same physical device
// report the same hardware serial, which is what devicetracker uses to
// reconcile the two into one Device record.
func (d *ADBDriver) EnrichDevice(ctx context.Context, descriptor string) (models.Device, error) {
	dev := models.Device{Serial: descriptor, State: models.DeviceOnline}

	if out, err := d.run(ctx, "-s", descriptor, "shell", "getprop", "ro.serialno"); err == nil {
		if hw := strings.TrimSpace(string(out)); hw != "" {
			dev.Serial = hw
		}
	}
	if out, err := d.run(ctx, "-s", descriptor, "shell", "getprop", "ro.product.model"); err == nil {
		dev.Model = strings.TrimSpace(string(out))
	}
	if out, err := d.run(ctx, "-s", descriptor, "shell", "getprop", "ro.product.manufacturer"); err == nil {
		dev.Manufacturer = strings.TrimSpace(string(out))
	}
	if out, err := d.run(ctx, "-s", descriptor, "shell", "getprop", "ro.kernel.qemu"); err == nil {
		dev.IsEmulator = strings.TrimSpace(string(out)) == "1"
	}
	return dev, nil
}

func freeTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
