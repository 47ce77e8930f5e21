// Package snapshot implements the per-device Snapshot Pipeline from spec
// §4.5: a reference-counted external decoder, a single latest-frame
// buffer, and an on-demand JPEG encoder serialized per device.
//
// Grounded on other_examples' velocipi dvr.go for the latest-frame and
// subscribe/publish shapes (see latestframe.go), and on the teacher's
// subprocess-piping conventions (ScrcpyClient/StartH264Stream) for driving
// an external process via stdio.
package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"corestream/broadcast"
	"corestream/models"
)

var errShortFrame = errors.New("snapshot: decoder frame shorter than width*height*1.5")

// WorkerHandle is the slice of capture.Worker the Pipeline needs: start the
// encoder on demand and subscribe to its Broadcast Hub.
type WorkerHandle interface {
	Start(ctx context.Context) error
	IsRunning() bool
	Subscribe(ctx context.Context) *broadcast.Subscriber
	Unsubscribe(id string)
}

// Options configures one Pipeline.
type Options struct {
	DecoderPath          string
	DecoderArgs          []string
	DecoderShutdownGrace time.Duration
	DecoderStallTimeout  time.Duration
	CaptureWaitColdMs    int
	CaptureWaitWarmMs    int
	MaxFrameAge          time.Duration
}

// Pipeline owns at most one decoder subprocess per device, regardless of
// how many snapshot channels are attached.
type Pipeline struct {
	serial string
	worker WorkerHandle
	opts   Options
	log    *logrus.Entry

	mu       sync.Mutex
	refCount int
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	sub      *broadcast.Subscriber
	cancel   context.CancelFunc
	frame    *latestFrame
	jpegSem  chan struct{}

	attachedAt time.Time
}

func NewPipeline(serial string, worker WorkerHandle, opts Options, log *logrus.Entry) *Pipeline {
	return &Pipeline{
		serial:  serial,
		worker:  worker,
		opts:    opts,
		log:     log.WithField("serial", serial),
		frame:   newLatestFrame(),
		jpegSem: make(chan struct{}, 1),
	}
}

// Handle is returned by Attach; Detach takes it back. It carries nothing
// but identity today, but is a distinct type so callers cannot accidentally
// pass a capture subscriber ID in its place.
type Handle struct{ id string }

// Attach increments the reference count; on 0->1 it starts the decoder and
// subscribes to the Capture Worker (starting it first if necessary).
func (p *Pipeline) Attach(ctx context.Context) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refCount++
	h := Handle{id: ulid.Make().String()}
	if p.refCount > 1 {
		return h, nil
	}

	if !p.worker.IsRunning() {
		if err := p.worker.Start(ctx); err != nil {
			p.refCount--
			return Handle{}, models.NewError(models.ErrEncoderSpawnFailed, "Pipeline.Attach", err)
		}
	}

	cmd := exec.CommandContext(context.Background(), p.opts.DecoderPath, p.opts.DecoderArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.refCount--
		return Handle{}, models.NewError(models.ErrDecoderSpawnFailed, "Pipeline.Attach", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.refCount--
		return Handle{}, models.NewError(models.ErrDecoderSpawnFailed, "Pipeline.Attach", err)
	}
	if err := cmd.Start(); err != nil {
		p.refCount--
		return Handle{}, models.NewError(models.ErrDecoderSpawnFailed, "Pipeline.Attach", err)
	}

	decodeCtx, cancel := context.WithCancel(ctx)
	sub := p.worker.Subscribe(decodeCtx)

	p.cmd = cmd
	p.stdin = stdin
	p.sub = sub
	p.cancel = cancel
	p.attachedAt = time.Now()

	go p.feedLoop(decodeCtx, sub, stdin)
	go p.outputLoop(decodeCtx, stdout)
	go p.stallWatchdog(decodeCtx)

	p.log.Info("snapshot decoder attached")
	return h, nil
}

// Detach decrements the reference count; on 1->0 it closes decoder stdin,
// waits up to DecoderShutdownGrace, then kills, and releases the Hub
// subscription.
func (p *Pipeline) Detach(_ Handle) {
	p.mu.Lock()
	p.refCount--
	if p.refCount > 0 {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	sub := p.sub
	cmd := p.cmd
	stdin := p.stdin
	p.cancel = nil
	p.sub = nil
	p.cmd = nil
	p.stdin = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		p.worker.Unsubscribe(sub.ID)
	}
	p.teardownDecoder(cmd, stdin)
	p.log.Info("snapshot decoder detached")
}

func (p *Pipeline) teardownDecoder(cmd *exec.Cmd, stdin io.WriteCloser) {
	if cmd == nil {
		return
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	grace := p.opts.DecoderShutdownGrace
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	select {
	case <-done:
	case <-time.After(grace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
}

// feedLoop pushes every Annex-B unit from the Hub subscription into the
// decoder's stdin, starting with whatever prefill Subscribe returned.
func (p *Pipeline) feedLoop(ctx context.Context, sub *broadcast.Subscriber, stdin io.WriteCloser) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.Queue:
			if !ok {
				return
			}
			if _, err := stdin.Write(u.Bytes); err != nil {
				return
			}
		}
	}
}

// outputLoop reads the decoder's raw planar YUV 4:2:0 frames. The first
// 8 bytes on stdout are a one-time 4+4 byte big-endian (width, height)
// header; afterward every width*height*3/2 bytes is one frame.
func (p *Pipeline) outputLoop(ctx context.Context, stdout io.Reader) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(stdout, header); err != nil {
		return
	}
	width := int(binary.BigEndian.Uint32(header[0:4]))
	height := int(binary.BigEndian.Uint32(header[4:8]))
	frameSize := width * height * 3 / 2
	if frameSize <= 0 {
		return
	}

	buf := make([]byte, frameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := io.ReadFull(stdout, buf); err != nil {
			return
		}
		frame := make([]byte, frameSize)
		copy(frame, buf)
		p.frame.publish(frame, width, height, time.Now())
	}
}

// stallWatchdog tears down and restarts the decoder once the latest decoded
// frame is older than DecoderStallTimeout. It does not check whether units
// are still arriving from the Worker, and a decoder that has not produced
// any frame yet is never restarted.
func (p *Pipeline) stallWatchdog(ctx context.Context) {
	timeout := p.opts.DecoderStallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _, at, _ := p.frame.snapshot()
			if at.IsZero() {
				continue
			}
			if time.Since(at) > timeout {
				p.log.Warn("decoder stalled, restarting")
				p.restartDecoder(ctx)
				return
			}
		}
	}
}

func (p *Pipeline) restartDecoder(ctx context.Context) {
	p.mu.Lock()
	cmd, stdin := p.cmd, p.stdin
	p.mu.Unlock()
	p.teardownDecoder(cmd, stdin)

	p.mu.Lock()
	if p.refCount <= 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	newCmd := exec.CommandContext(context.Background(), p.opts.DecoderPath, p.opts.DecoderArgs...)
	newStdin, err := newCmd.StdinPipe()
	if err != nil {
		return
	}
	newStdout, err := newCmd.StdoutPipe()
	if err != nil {
		return
	}
	if err := newCmd.Start(); err != nil {
		return
	}

	decodeCtx, cancel := context.WithCancel(ctx)
	sub := p.worker.Subscribe(decodeCtx) // refed from the next IDR via a fresh Hub subscription

	p.mu.Lock()
	p.cmd, p.stdin, p.sub, p.cancel = newCmd, newStdin, sub, cancel
	p.mu.Unlock()

	go p.feedLoop(decodeCtx, sub, newStdin)
	go p.outputLoop(decodeCtx, newStdout)
	go p.stallWatchdog(decodeCtx)
}

// Capture waits for a recent frame and encodes it to JPEG. JPEG encoding
// per device is serialized by jpegSem (depth 1); this is independent of
// decoder serialization, which is enforced by refCount above.
func (p *Pipeline) Capture(ctx context.Context, req models.CaptureRequest) (models.CaptureResult, []byte, error) {
	waitMs := p.opts.CaptureWaitWarmMs
	p.mu.Lock()
	cold := time.Since(p.attachedAt) < 2*time.Second
	p.mu.Unlock()
	if cold {
		waitMs = p.opts.CaptureWaitColdMs
	}
	if waitMs <= 0 {
		waitMs = 300
	}

	data, width, height, at, ready := p.frame.snapshot()
	maxAge := p.opts.MaxFrameAge
	if maxAge <= 0 {
		maxAge = 2 * time.Second
	}

	deadline := time.After(time.Duration(waitMs) * time.Millisecond)
	for data == nil || time.Since(at) > maxAge {
		select {
		case <-ready:
			data, width, height, at, ready = p.frame.snapshot()
		case <-deadline:
			if data == nil {
				return models.CaptureResult{}, nil, models.NewError(models.ErrNoFrame, "Pipeline.Capture", nil)
			}
			return models.CaptureResult{}, nil, models.NewError(models.ErrCaptureTimeout, "Pipeline.Capture", nil)
		case <-ctx.Done():
			return models.CaptureResult{}, nil, models.NewError(models.ErrCaptureTimeout, "Pipeline.Capture", ctx.Err())
		}
	}

	select {
	case p.jpegSem <- struct{}{}:
	case <-ctx.Done():
		return models.CaptureResult{}, nil, models.NewError(models.ErrCaptureTimeout, "Pipeline.Capture", ctx.Err())
	}
	defer func() { <-p.jpegSem }()

	quality := req.Quality
	if quality <= 0 {
		quality = 80
	}
	jpegBytes, err := encodeJPEG(data, width, height, quality)
	if err != nil {
		return models.CaptureResult{}, nil, models.NewError(models.ErrInternal, "Pipeline.Capture", err)
	}

	return models.CaptureResult{
		CaptureID:  ulid.Make().String(),
		Serial:     p.serial,
		Width:      width,
		Height:     height,
		CapturedAt: at,
		Bytes:      len(jpegBytes),
	}, jpegBytes, nil
}

