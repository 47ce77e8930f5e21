package bridge

import (
	"context"
	"time"

	adb "github.com/basiooo/goadb"
	"github.com/avast/retry-go/v4"

	"corestream/models"
)

func stateOf(s adb.DeviceState) models.DeviceState {
	switch s {
	case adb.StateOnline:
		return models.DeviceOnline
	case adb.StateOffline:
		return models.DeviceOffline
	case adb.StateUnauthorized:
		return models.DeviceUnauthorized
	default:
		return models.DeviceUnknown
	}
}

// TrackDevices implements spec §4.1's "lazy infinite restartable sequence
// of DeviceSetSnapshot" as a channel of DeviceEvent transitions, layered on
// basiooo/goadb's DeviceWatcher the way babelcloud-gbox's DeviceKeeper
// drives it. On watcher error the connection is re-established with
// retry-go's exponential backoff rather than the bespoke sleep loop the
// teacher polls `adb devices -l` with.
func (d *ADBDriver) TrackDevices(ctx context.Context) (<-chan DeviceEvent, error) {
	client, err := adb.NewWithConfig(adb.ServerConfig{Port: adb.AdbPort})
	if err != nil {
		return nil, models.NewError(models.ErrBridgeUnreachable, "bridge.TrackDevices", err)
	}
	if err := client.StartServer(); err != nil {
		return nil, models.NewError(models.ErrBridgeUnreachable, "bridge.TrackDevices", err)
	}
	d.adbClient = client

	out := make(chan DeviceEvent, 64)
	go d.watchLoop(ctx, out)
	return out, nil
}

func (d *ADBDriver) watchLoop(ctx context.Context, out chan<- DeviceEvent) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			if d.watcher != nil {
				d.watcher.Shutdown()
			}
			return
		default:
		}

		d.watcher = d.adbClient.NewDeviceWatcher()
		for event := range d.watcher.C() {
			select {
			case out <- DeviceEvent{
				Serial:   event.Serial,
				OldState: stateOf(event.OldState),
				NewState: stateOf(event.NewState),
			}:
			case <-ctx.Done():
				d.watcher.Shutdown()
				return
			}
		}

		if ctx.Err() != nil {
			return
		}

		if d.log != nil {
			if werr := d.watcher.Err(); werr != nil {
				d.log.WithError(werr).Warn("device watcher disconnected, reconnecting")
			}
		}

		_ = retry.Do(
			func() error {
				c, err := adb.NewWithConfig(adb.ServerConfig{Port: adb.AdbPort})
				if err != nil {
					return err
				}
				if err := c.StartServer(); err != nil {
					return err
				}
				d.adbClient = c
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(0),
			retry.DelayType(retry.BackOffDelay),
			retry.MaxDelay(30*time.Second),
		)
	}
}
