// Package registry implements the Session Registry from spec §4.6:
// process-wide, device-keyed index of Capture Workers and Snapshot
// Pipelines, with get-or-create semantics, idle reaping, and a
// graceful stop_all with deadline escalation.
//
// Grounded on the teacher's DeviceManager (service/device_manager.go) for
// the map+sync.RWMutex get-or-create shape, generalized from one map of
// Devices to two maps (Workers, Pipelines) keyed by the same serial.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"corestream/bridge"
	"corestream/capture"
	"corestream/models"
	"corestream/snapshot"
)

// Factory builds the two per-device objects a Registry owns. Kept as
// function values so the Registry doesn't need to know CaptureConfig
// plumbing or decoder binary paths directly.
type Factory struct {
	NewWorker   func(serial string, cfg models.CaptureConfig) *capture.Worker
	NewPipeline func(serial string, worker *capture.Worker) *snapshot.Pipeline
}

// Registry is the process-wide owner of per-device sessions.
type Registry struct {
	mu        sync.RWMutex
	workers   map[string]*capture.Worker
	pipelines map[string]*snapshot.Pipeline

	factory Factory
	driver  bridge.Driver
	log     *logrus.Entry

	scheduler        gocron.Scheduler
	idleReapInterval time.Duration
}

// New constructs an empty Registry and starts its idle-reaping scheduler.
func New(driver bridge.Driver, factory Factory, idleReapInterval time.Duration, log *logrus.Entry) (*Registry, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		workers:          make(map[string]*capture.Worker),
		pipelines:        make(map[string]*snapshot.Pipeline),
		factory:          factory,
		driver:           driver,
		log:              log,
		scheduler:        sched,
		idleReapInterval: idleReapInterval,
	}
	if idleReapInterval > 0 {
		_, err := sched.NewJob(
			gocron.DurationJob(idleReapInterval),
			gocron.NewTask(r.reapIdle),
		)
		if err != nil {
			return nil, err
		}
	}
	sched.Start()
	return r, nil
}

// GetOrCreateWorker returns the existing Worker for serial, or creates and
// starts one. config is ignored on an existing entry: use UpdateConfig to
// change it, per spec §4.6.
func (r *Registry) GetOrCreateWorker(ctx context.Context, serial string, cfg models.CaptureConfig) (*capture.Worker, error) {
	r.mu.RLock()
	if w, ok := r.workers[serial]; ok {
		r.mu.RUnlock()
		return w, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	if w, ok := r.workers[serial]; ok {
		r.mu.Unlock()
		return w, nil
	}
	w := r.factory.NewWorker(serial, cfg)
	r.workers[serial] = w
	r.mu.Unlock()

	if err := w.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.workers, serial)
		r.mu.Unlock()
		return nil, errors.Wrapf(err, "start worker for %s", serial)
	}
	return w, nil
}

// GetOrCreateSnapshot returns the existing Pipeline for serial, creating
// both it and its backing Worker if neither exists yet.
func (r *Registry) GetOrCreateSnapshot(ctx context.Context, serial string, cfg models.CaptureConfig) (*snapshot.Pipeline, error) {
	r.mu.RLock()
	if p, ok := r.pipelines[serial]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	w, err := r.GetOrCreateWorker(ctx, serial, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if p, ok := r.pipelines[serial]; ok {
		r.mu.Unlock()
		return p, nil
	}
	p := r.factory.NewPipeline(serial, w)
	r.pipelines[serial] = p
	r.mu.Unlock()
	return p, nil
}

// Stop stops the worker for serial and removes both the worker and the
// pipeline from the registry. The pipeline's decoder is not stopped here;
// it keeps running until its attached snapshot channels detach.
func (r *Registry) Stop(ctx context.Context, serial string) {
	r.mu.Lock()
	w := r.workers[serial]
	delete(r.workers, serial)
	delete(r.pipelines, serial)
	r.mu.Unlock()

	if w != nil {
		_ = w.Stop(ctx)
	}
}

// StopAll stops every Worker concurrently (each Stop kills its device
// process and removes its port-forward) and waits up to deadline. The
// deadline bounds the context passed to each Stop, so adb commands still
// running when it expires are killed; StopAll then returns without waiting
// for the remaining Stops. Snapshot Pipelines are removed from the
// registry, but their decoder subprocesses are not stopped here.
func (r *Registry) StopAll(deadline time.Duration) {
	r.mu.Lock()
	workers := make([]*capture.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.workers = make(map[string]*capture.Worker)
	r.pipelines = make(map[string]*snapshot.Pipeline)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *capture.Worker) {
			defer wg.Done()
			_ = w.Stop(ctx)
		}(w)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
		r.log.Info("stop_all completed within deadline")
	case <-ctx.Done():
		r.log.Warn("stop_all deadline exceeded, some subprocesses may have been force-killed")
	}
	_ = r.scheduler.Shutdown()
}

// Snapshot returns read-only SessionMetrics for every known device.
func (r *Registry) Snapshot() []models.SessionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SessionMetrics, 0, len(r.workers))
	for serial, w := range r.workers {
		units, bytesIn, dropped := w.Hub().Stats()
		out = append(out, models.SessionMetrics{
			Serial:                serial,
			StreamSubscriberCount: w.SubscriberCount(),
			UnitsBroadcast:        units,
			BytesIngested:         bytesIn,
			DroppedUnitsTotal:     dropped,
			DecoderState:          w.State().String(),
		})
	}
	return out
}

// reapIdle does not stop anything itself: idle shutdown is already driven by
// each Worker's own idleLoop (spec §4.3); the scheduler here exists to prune
// registry entries whose Worker has already transitioned to STOPPED so
// long-idle devices don't accumulate dead map entries.
func (r *Registry) reapIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for serial, w := range r.workers {
		if w.State() == capture.StateStopped && w.SubscriberCount() == 0 {
			delete(r.workers, serial)
			delete(r.pipelines, serial)
		}
	}
}
