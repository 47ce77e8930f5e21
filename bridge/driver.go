// Package bridge is the only component that talks to the external
// debug-bridge tool (spec §4.1). Every other component reaches a device
// exclusively through the six operations of the Driver interface.
//
// Grounded on the teacher's adb.ADBClient (adb/adb.go) for the exec-based
// operations, and on babelcloud-gbox's DeviceKeeper (device_keeper.go) for
// the push-based device-change watch built on basiooo/goadb.
package bridge

import (
	"context"
	"os/exec"

	"corestream/models"
)

// DeviceProcessHandle is returned by SpawnDeviceProcess; the caller owns
// the handle's lifetime and must Wait or Kill it.
type DeviceProcessHandle struct {
	cmd *exec.Cmd
}

// Wait blocks until the device-side process exits.
func (h *DeviceProcessHandle) Wait() error {
	if h.cmd == nil {
		return nil
	}
	return h.cmd.Wait()
}

// Kill terminates the device-side process immediately.
func (h *DeviceProcessHandle) Kill() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// DeviceEvent is one transition reported by TrackDevices: a serial moving
// between debug-bridge connection states.
type DeviceEvent struct {
	Serial   string
	OldState models.DeviceState
	NewState models.DeviceState
}

// Driver is the pure effect layer described in spec §4.1.
type Driver interface {
	PushFile(ctx context.Context, serial, localPath, remotePath string) error
	ForwardPort(ctx context.Context, serial string, hostPort int, deviceSocket string) (int, error)
	UnforwardPort(ctx context.Context, serial string, hostPort int) error
	SpawnDeviceProcess(ctx context.Context, serial, classpath, mainClass string, args []string) (*DeviceProcessHandle, error)
	TrackDevices(ctx context.Context) (<-chan DeviceEvent, error)
	// EnrichDevice fetches descriptive properties for a connection
	// descriptor as reported by TrackDevices; the returned Device's
	// Serial is the device's hardware serial, which may differ from
	// descriptor.
	EnrichDevice(ctx context.Context, descriptor string) (models.Device, error)
}
