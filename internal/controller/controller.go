// Package controller arms and disarms presence-driven recording. While armed,
// a single detection loop classifies each new frame and starts the recorder
// when a person appears and stops it when they leave. Every capture session
// becomes one record.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/records"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// ErrNotReady is returned by OnStartClicked before startup has completed or
// after it failed.
var ErrNotReady = errors.New("controller not ready")

// FrameSource delivers frames one at a time. capture.Stream implements it.
type FrameSource interface {
	Next(ctx context.Context, after uint64) (*types.Frame, error)
}

// Recorder is the capture side. recorder.Recorder implements it.
type Recorder interface {
	Start() error
	Stop() ([]recorder.Chunk, error)
	Filename() string
	Status() recorder.Status
}

// Deps are the collaborators produced by the startup sequence.
type Deps struct {
	Stream   FrameSource
	Detector detect.Detector
	Recorder Recorder

	// Records receives finalized recordings. A new list is created if nil.
	Records *records.List
	Metrics *metrics.Metrics

	Label         string  // defaults to types.PersonLabel
	MinConfidence float64 // detections below this do not count

	Now func() time.Time
}

func (d Deps) complete() bool {
	return d.Stream != nil && d.Detector != nil && d.Recorder != nil
}

// Controller is the presence-driven recording state machine.
type Controller struct {
	records *records.List
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.Mutex
	stream        FrameSource
	detector      detect.Detector
	recorder      Recorder
	label         string
	minConfidence float64
	ready         bool
	initErr       error
	lastErr       error
	armed         bool
	recording     bool
	startedAt     time.Time
	session       uint64
	cancel        context.CancelFunc
	loopDone      chan struct{}
	listeners     map[int]chan Snapshot
	nextID        int

	detMu    sync.RWMutex
	lastDets []types.Detection
	lastSeq  uint64
}

// New creates a controller. With complete deps it is ready immediately;
// otherwise it stays in the starting phase until Attach or MarkFailed.
func New(deps Deps) *Controller {
	c := &Controller{
		records:   deps.Records,
		metrics:   deps.Metrics,
		now:       deps.Now,
		listeners: make(map[int]chan Snapshot),
	}
	if c.records == nil {
		c.records = records.NewList()
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.setDeps(deps)
	return c
}

func (c *Controller) setDeps(deps Deps) {
	c.stream = deps.Stream
	c.detector = deps.Detector
	c.recorder = deps.Recorder
	c.label = deps.Label
	if c.label == "" {
		c.label = types.PersonLabel
	}
	c.minConfidence = deps.MinConfidence
	c.ready = deps.complete() && c.initErr == nil
}

// Attach supplies the collaborators once the startup sequence has finished.
func (c *Controller) Attach(deps Deps) error {
	c.mu.Lock()
	if c.initErr != nil {
		err := c.initErr
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	if !deps.complete() {
		c.mu.Unlock()
		return fmt.Errorf("%w: incomplete startup", ErrNotReady)
	}
	c.setDeps(deps)
	c.mu.Unlock()

	logger.Info("Controller", "Ready (label=%q)", c.label)
	c.notify()
	return nil
}

// MarkFailed records a startup failure. Start stays disabled for the rest of
// the session.
func (c *Controller) MarkFailed(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.ready = false
	c.initErr = err
	c.mu.Unlock()

	logger.Error("Controller", "Startup failed: %v", err)
	c.notify()
}

// Ready reports whether startup succeeded.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// LatestDetections returns the most recent detector output and the sequence
// number of the frame it belongs to.
func (c *Controller) LatestDetections() ([]types.Detection, uint64) {
	c.detMu.RLock()
	defer c.detMu.RUnlock()
	return c.lastDets, c.lastSeq
}

// Records returns the list of finalized recordings.
func (c *Controller) Records() *records.List {
	return c.records
}

// OnStartClicked arms the controller and starts the detection loop. It is a
// no-op when already armed.
func (c *Controller) OnStartClicked(ctx context.Context) error {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.armed {
		c.mu.Unlock()
		return nil
	}

	c.armed = true
	c.session++
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	prev := c.loopDone
	c.loopDone = make(chan struct{})
	go c.loop(loopCtx, c.session, prev, c.stream, c.detector, c.loopDone)
	c.mu.Unlock()

	logger.Info("Controller", "Armed")
	c.notify()
	return nil
}

// OnStopClicked disarms the controller. A capture in progress is stopped and
// its record appended before OnStopClicked returns. It does not wait for an
// in-flight detection; that result is discarded when it arrives.
func (c *Controller) OnStopClicked() error {
	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return nil
	}

	c.armed = false
	c.cancel()

	var err error
	if c.recording {
		err = c.stopRecordingLocked()
	}
	c.mu.Unlock()

	logger.Info("Controller", "Disarmed")
	c.notify()
	return err
}

// loop runs one detection per delivered frame until the session is disarmed.
// It starts only after the previous session's loop has exited, so at most one
// detection is in flight.
func (c *Controller) loop(ctx context.Context, session uint64, prev <-chan struct{}, stream FrameSource, detector detect.Detector, done chan struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		default:
			logger.Debug("Controller", "Waiting for the previous detection to finish")
			<-prev
		}
	}

	var after uint64
	for {
		if !c.active(session) {
			return
		}

		frame, err := stream.Next(ctx, after)
		if err != nil {
			if ctx.Err() == nil {
				c.streamLost(session, err)
			}
			return
		}
		after = frame.Seq

		detected := c.detect(ctx, detector, frame)
		c.apply(session, detected)
	}
}

func (c *Controller) active(session uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed && c.session == session
}

// detect classifies frame. A failed call counts as no person.
func (c *Controller) detect(ctx context.Context, detector detect.Detector, frame *types.Frame) bool {
	start := time.Now()
	dets, err := detector.Detect(ctx, frame)
	if c.metrics != nil {
		c.metrics.ObserveDetect(time.Since(start))
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Controller", "Detection failed on frame %d: %v", frame.Seq, err)
			if c.metrics != nil {
				c.metrics.DetectionErrors.Add(1)
			}
		}
		return false
	}

	c.detMu.Lock()
	c.lastDets = dets
	c.lastSeq = frame.Seq
	c.detMu.Unlock()

	detected := detect.HasLabel(dets, c.label, c.minConfidence)
	if detected && c.metrics != nil {
		c.metrics.PersonFrames.Add(1)
	}
	return detected
}

func (c *Controller) apply(session uint64, detected bool) {
	c.mu.Lock()
	if !c.armed || c.session != session {
		// Stopped while the detector was running.
		c.mu.Unlock()
		return
	}

	changed := false
	switch {
	case detected && !c.recording:
		if err := c.recorder.Start(); err != nil {
			c.recorderFailedLocked("start", err)
			break
		}
		c.recording = true
		c.startedAt = c.now()
		changed = true
		if c.metrics != nil {
			c.metrics.RecordingsStarted.Add(1)
		}
		logger.Info("Controller", "Person detected, recording %s", c.recorder.Filename())
	case !detected && c.recording:
		_ = c.stopRecordingLocked()
		changed = true
	}
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

// streamLost disarms after the capture source went away.
func (c *Controller) streamLost(session uint64, err error) {
	c.mu.Lock()
	if c.session != session || !c.armed {
		c.mu.Unlock()
		return
	}
	logger.Error("Controller", "Capture stream lost: %v", err)
	c.armed = false
	c.ready = false
	c.lastErr = err
	if c.recording {
		_ = c.stopRecordingLocked()
	}
	c.mu.Unlock()

	c.notify()
}

// stopRecordingLocked stops the recorder and appends the session's record.
// Recording is cleared even if the recorder reports an error.
func (c *Controller) stopRecordingLocked() error {
	chunks, err := c.recorder.Stop()
	c.recording = false
	if err != nil {
		c.recorderFailedLocked("stop", err)
		return fmt.Errorf("stop recorder: %w", err)
	}

	rec := records.Finalize(c.recorder.Filename(), chunks, c.startedAt, c.now())
	n := c.records.Append(rec)
	if c.metrics != nil {
		c.metrics.RecordingsFinalized.Add(1)
		c.metrics.RecordedFrames.Add(uint64(rec.Frames))
		c.metrics.RecordedBytes.Add(uint64(rec.Bytes))
	}
	logger.Info("Controller", "Record #%d finalized: %s (%d frames, %d bytes, %v)",
		n, rec.Filename, rec.Frames, rec.Bytes, rec.Duration.Round(time.Millisecond))
	return nil
}

func (c *Controller) recorderFailedLocked(op string, err error) {
	c.lastErr = fmt.Errorf("recorder %s: %w", op, err)
	if c.metrics != nil {
		c.metrics.RecorderErrors.Add(1)
	}
	logger.Error("Controller", "Recorder %s failed: %v", op, err)
}
