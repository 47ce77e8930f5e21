// Package capture implements the per-device Capture Worker state machine
// from spec §4.3: drive the debug bridge to spawn the external encoder
// agent, read its TCP stream through the H.264 Unit Extractor, and hand
// emitted units to the owned Broadcast Hub.
//
// Grounded on the teacher's ScrcpyClient (service/scrcpy_client.go): the
// push -> forward -> spawn -> dial-with-retry sequence is kept
// nearly verbatim, generalized from a scrcpy-specific protocol to any
// encoder agent described by a CaptureConfig.
package capture

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"corestream/bridge"
	"corestream/broadcast"
	"corestream/h264"
	"corestream/models"
)

// State is one node of the STOPPED/STARTING/RUNNING/STOPPING machine in
// spec §4.3.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

// Options bundles the device-agent provisioning details the Worker needs
// beyond CaptureConfig: where the agent jar lives, what class to run, and
// which abstract socket it listens on.
type Options struct {
	EncoderAgentPath   string
	EncoderRemotePath  string
	EncoderMainClass   string
	DeviceAbstractName string
	GopCapBytes        int
	QueueDepth         int
	IdleTimeout        time.Duration
	MinRestartWait     time.Duration
}

// Worker drives one device's capture session end to end.
type Worker struct {
	serial  string
	driver  bridge.Driver
	opts    Options
	log     *logrus.Entry

	mu        sync.Mutex
	state     State
	config    models.CaptureConfig
	conn      net.Conn
	hostPort  int
	proc      *bridge.DeviceProcessHandle
	cancel    context.CancelFunc
	extractor *h264.Extractor
	hub       *broadcast.Hub

	lastSubNonZeroAt time.Time
	gopEmptySince    time.Time
	subscriberWas    int
}

// NewWorker constructs a stopped Worker for one device.
func NewWorker(serial string, driver bridge.Driver, cfg models.CaptureConfig, opts Options, log *logrus.Entry) *Worker {
	if opts.QueueDepth == 0 {
		opts.QueueDepth = broadcast.DefaultQueueDepth
	}
	return &Worker{
		serial:    serial,
		driver:    driver,
		opts:      opts,
		config:    cfg,
		log:       log.WithField("serial", serial),
		extractor: h264.NewExtractor(opts.GopCapBytes),
		hub:       broadcast.NewHub(opts.QueueDepth),
		state:     StateStopped,
	}
}

func (w *Worker) Hub() *broadcast.Hub { return w.hub }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) IsRunning() bool { return w.State() == StateRunning }

// Subscribe applies the 0->1 restart policy from spec §4.3 before
// delegating to the Hub: if the worker is RUNNING, the GOP has been empty
// continuously for at least MinRestartWait, and this subscriber would be
// the first, the encoder is restarted so the new subscriber is guaranteed
// a fresh (SPS, PPS, IDR, ...) prefill instead of waiting indefinitely.
func (w *Worker) Subscribe(ctx context.Context) *broadcast.Subscriber {
	w.mu.Lock()
	count := w.hub.SubscriberCount()
	gopEmpty := len(w.extractor.GopCache().SnapshotPrefill()) == 0
	since := w.gopEmptySince
	running := w.state == StateRunning
	w.mu.Unlock()

	if running && count == 0 && gopEmpty && !since.IsZero() &&
		time.Since(since) >= w.opts.MinRestartWait {
		w.log.Info("restarting encoder on 0->1 subscriber transition with empty GOP")
		_ = w.Stop(ctx)
		_ = w.Start(ctx)
	}

	return w.hub.Subscribe(w.extractor.GopCache())
}

func (w *Worker) Unsubscribe(id string) { w.hub.Unsubscribe(id) }

func (w *Worker) SubscriberCount() int { return w.hub.SubscriberCount() }

// UpdateConfig stops and restarts the worker with a new immutable config
// and a fresh Extractor, so the prefill cache starts empty. The restart
// goes through Stop, which closes every current subscriber's queue:
// existing subscribers are disconnected, not carried over to the new
// session.
func (w *Worker) UpdateConfig(ctx context.Context, cfg models.CaptureConfig) error {
	if err := w.Stop(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.config = cfg
	w.extractor = h264.NewExtractor(w.opts.GopCapBytes)
	w.mu.Unlock()
	return w.Start(ctx)
}

// Start is idempotent: if already RUNNING it returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateRunning {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStarting
	cfg := w.config
	w.mu.Unlock()

	if cfg.Codec != "" && cfg.Codec != models.CodecH264 {
		w.transitionTo(StateStopped)
		return models.NewError(models.ErrUnsupportedCodec, "Worker.Start", fmt.Errorf("codec %q not implemented", cfg.Codec))
	}

	if err := w.driver.PushFile(ctx, w.serial, w.opts.EncoderAgentPath, w.opts.EncoderRemotePath); err != nil {
		w.transitionTo(StateStopped)
		return models.NewError(models.ErrBridgeUnreachable, "Worker.Start", err)
	}

	hostPort, err := w.driver.ForwardPort(ctx, w.serial, 0, w.opts.DeviceAbstractName)
	if err != nil {
		w.transitionTo(StateStopped)
		return models.NewError(models.ErrBridgeUnreachable, "Worker.Start", err)
	}

	args := agentArgs(cfg)
	proc, err := w.driver.SpawnDeviceProcess(ctx, w.serial, w.opts.EncoderRemotePath, w.opts.EncoderMainClass, args)
	if err != nil {
		_ = w.driver.UnforwardPort(ctx, w.serial, hostPort)
		w.transitionTo(StateStopped)
		return models.NewError(models.ErrEncoderSpawnFailed, "Worker.Start", err)
	}

	time.Sleep(1500 * time.Millisecond)

	conn, err := dialWithRetry(hostPort, 10, 300*time.Millisecond)
	if err != nil {
		_ = proc.Kill()
		_ = w.driver.UnforwardPort(ctx, w.serial, hostPort)
		w.transitionTo(StateStopped)
		return models.NewError(models.ErrTCPConnectFailed, "Worker.Start", err)
	}

	readCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.hostPort = hostPort
	w.proc = proc
	w.conn = conn
	w.cancel = cancel
	w.state = StateRunning
	w.gopEmptySince = time.Now()
	w.mu.Unlock()

	go w.readLoop(readCtx)
	go w.idleLoop(readCtx)

	w.log.WithField("port", hostPort).Info("capture worker started")
	return nil
}

// Stop cancels the read loop, tears down the TCP connection and device
// process, removes the port-forward, drains subscribers, and transitions
// to STOPPED. Idempotent: invoking it N times has the same effect as once.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStopping
	cancel := w.cancel
	conn := w.conn
	proc := w.proc
	hostPort := w.hostPort
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if proc != nil {
		_ = proc.Kill()
		_ = proc.Wait()
	}
	if hostPort != 0 {
		if err := w.driver.UnforwardPort(ctx, w.serial, hostPort); err != nil {
			w.log.WithError(err).Warn("failed to remove port forward during stop")
		}
	}
	units, bytesIngested, dropped := w.hub.Stats()
	w.log.WithFields(logrus.Fields{
		"units_broadcast": units,
		"bytes_ingested":  humanize.Bytes(bytesIngested),
		"dropped_units":   dropped,
	}).Info("capture session ending")
	w.hub.CloseAll()

	w.mu.Lock()
	w.conn = nil
	w.proc = nil
	w.hostPort = 0
	w.cancel = nil
	w.state = StateStopped
	w.mu.Unlock()
	return nil
}

func (w *Worker) transitionTo(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// readLoop repeatedly reads up to 64KiB from the TCP connection, feeds the
// Extractor, updates gopEmptySince bookkeeping, and publishes every
// emitted unit. On EOF or read error it transitions to STOPPING.
func (w *Worker) readLoop(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := conn.Read(buf)
		if n > 0 {
			units := w.extractor.Push(buf[:n])
			w.mu.Lock()
			empty := len(w.extractor.GopCache().SnapshotPrefill()) == 0
			if empty && w.gopEmptySince.IsZero() {
				w.gopEmptySince = time.Now()
			} else if !empty {
				w.gopEmptySince = time.Time{}
			}
			w.mu.Unlock()
			for _, u := range units {
				w.hub.Publish(u)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			w.log.WithError(err).Info("capture read loop ended")
			go func() { _ = w.Stop(context.Background()) }()
			return
		}
	}
}

// idleLoop transitions the worker to STOPPING once the subscriber count
// has been 0 for longer than opts.IdleTimeout.
func (w *Worker) idleLoop(ctx context.Context) {
	if w.opts.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	idleSince := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.hub.SubscriberCount() > 0 {
				idleSince = time.Time{}
				continue
			}
			if idleSince.IsZero() {
				idleSince = time.Now()
				continue
			}
			if time.Since(idleSince) >= w.opts.IdleTimeout {
				w.log.Info("idle timeout reached, stopping capture worker")
				_ = w.Stop(context.Background())
				return
			}
		}
	}
}

func dialWithRetry(port int, attempts int, delay time.Duration) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("failed to connect after %d retries: %w", attempts, lastErr)
}

// agentArgs renders CaptureConfig into the agent's expected key=value argv
// form, generalizing the teacher's scrcpy-specific serverArgs.
func agentArgs(cfg models.CaptureConfig) []string {
	args := []string{
		fmt.Sprintf("max_size=%d", cfg.MaxEdgePixels),
		fmt.Sprintf("bit_rate=%d", cfg.BitRateBPS),
		fmt.Sprintf("max_fps=%d", cfg.MaxFPS),
		fmt.Sprintf("i_frame_interval=%d", cfg.IDRIntervalSeconds),
	}
	if cfg.PrependHeadersOnSync {
		args = append(args, "repeat_headers=true")
	}
	return args
}
