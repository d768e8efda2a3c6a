package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// ErrStreamClosed is returned once the stream has been released or its source failed.
var ErrStreamClosed = errors.New("stream closed")

// Source produces frames until ctx is cancelled or the device fails.
type Source interface {
	Name() string
	Run(ctx context.Context, publish func(*types.Frame)) error
}

// Options controls stream acquisition.
type Options struct {
	StartupTimeout time.Duration
}

// Stats is a point-in-time view of stream counters.
type Stats struct {
	Published      uint64
	Dropped        uint64 // latest frame overwritten before Next consumed it
	SubscriberMiss uint64 // frames not delivered to a full subscriber buffer
	Subscribers    int
}

// Stream is the owned handle to a running capture source. It keeps only the
// latest frame (newer frames overwrite unconsumed ones) and fans every frame
// out to subscribers such as the recorder.
type Stream struct {
	name string

	mu       sync.Mutex
	latest   *types.Frame
	consumed bool
	seq      uint64
	wake     chan struct{}
	closed   bool
	err      error
	subs     map[int]chan *types.Frame
	nextID   int

	published atomic.Uint64
	dropped   atomic.Uint64
	missed    atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func newStream(name string) *Stream {
	return &Stream{
		name: name,
		wake: make(chan struct{}),
		subs: make(map[int]chan *types.Frame),
		done: make(chan struct{}),
	}
}

// Open starts src and blocks until the first frame arrives. The source keeps
// running until Close is called or ctx is cancelled.
func Open(ctx context.Context, src Source, opts Options) (*Stream, error) {
	if src == nil {
		return nil, errors.New("no capture source configured")
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 10 * time.Second
	}

	s := newStream(src.Name())
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		defer close(s.done)
		err := src.Run(runCtx, s.Publish)
		if err == nil || runCtx.Err() != nil {
			err = ErrStreamClosed
		} else {
			logger.Error("Capture", "Source %s stopped: %v", s.name, err)
		}
		s.shutdown(err)
	}()

	startCtx, startCancel := context.WithTimeout(ctx, opts.StartupTimeout)
	defer startCancel()

	if _, err := s.Next(startCtx, 0); err != nil {
		s.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no frame from %s within %v", src.Name(), opts.StartupTimeout)
		}
		return nil, fmt.Errorf("failed to open %s: %w", src.Name(), err)
	}

	logger.Info("Capture", "Stream %s ready", s.name)
	return s, nil
}

// Name identifies the underlying source.
func (s *Stream) Name() string {
	return s.name
}

// Publish stores frame as the latest frame and delivers it to subscribers.
// Subscribers that are not keeping up lose the frame; the loss is counted.
func (s *Stream) Publish(frame *types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || frame == nil {
		return
	}

	if s.latest != nil && !s.consumed {
		s.dropped.Add(1)
	}
	s.seq++
	frame.Seq = s.seq
	s.latest = frame
	s.consumed = false
	s.published.Add(1)

	close(s.wake)
	s.wake = make(chan struct{})

	for id, ch := range s.subs {
		select {
		case ch <- frame:
		default:
			if n := s.missed.Add(1); n == 1 || n%100 == 0 {
				logger.Warn("Capture", "Subscriber #%d is behind, frame %d not delivered (total missed: %d)", id, frame.Seq, n)
			}
		}
	}
}

// Latest returns the most recent frame, or nil before the first one.
func (s *Stream) Latest() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Next blocks until a frame newer than after is available.
func (s *Stream) Next(ctx context.Context, after uint64) (*types.Frame, error) {
	for {
		s.mu.Lock()
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		if s.latest != nil && s.latest.Seq > after {
			frame := s.latest
			s.consumed = true
			s.mu.Unlock()
			return frame, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Subscribe registers a receiver for every published frame.
func (s *Stream) Subscribe(buffer int) (int, <-chan *types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *types.Frame, buffer)
	if s.closed {
		close(ch)
		return -1, ch
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	logger.Debug("Capture", "Subscriber #%d added (total: %d)", id, len(s.subs))
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Stream) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

// Err reports why the stream closed, or nil while it is running.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return s.err
}

// Stats returns counters for metrics.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	subs := len(s.subs)
	s.mu.Unlock()
	return Stats{
		Published:      s.published.Load(),
		Dropped:        s.dropped.Load(),
		SubscriberMiss: s.missed.Load(),
		Subscribers:    subs,
	}
}

// Close stops the source and releases waiters. Safe to call more than once.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.shutdown(ErrStreamClosed)
}

func (s *Stream) shutdown(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if err == nil {
		err = ErrStreamClosed
	}
	if !errors.Is(err, ErrStreamClosed) {
		err = fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	s.err = err
	close(s.wake)
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}
