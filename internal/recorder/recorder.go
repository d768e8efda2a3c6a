package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// FrameStream is the part of capture.Stream the recorder needs.
type FrameStream interface {
	Latest() *types.Frame
	Subscribe(buffer int) (int, <-chan *types.Frame)
	Unsubscribe(id int)
}

// Chunk is a sealed run of JPEG frames stored back to back.
type Chunk struct {
	Data       []byte
	FrameSizes []int
	StartTime  time.Time
	EndTime    time.Time
}

// Frames returns the number of frames in the chunk.
func (c Chunk) Frames() int {
	return len(c.FrameSizes)
}

// Options configures a Recorder.
type Options struct {
	ChunkFrames int         // frames per chunk
	OnChunk     func(Chunk) // called when a chunk is sealed; may be nil
}

// Recorder captures the frames of a stream between Start and Stop.
type Recorder struct {
	stream      FrameStream
	chunkFrames int
	onChunk     func(Chunk)

	mu           sync.RWMutex
	recording    bool
	filename     string
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	lastSeq      uint64
	subID        int
	stopChan     chan struct{}
	current      Chunk
	chunks       []Chunk
	wg           sync.WaitGroup
}

// New creates a recorder bound to stream.
func New(stream FrameStream, opts Options) (*Recorder, error) {
	if stream == nil {
		return nil, errors.New("recorder requires a stream")
	}
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = 30
	}
	return &Recorder{
		stream:      stream,
		chunkFrames: opts.ChunkFrames,
		onChunk:     opts.OnChunk,
	}, nil
}

// Start begins capturing, beginning with the stream's current frame.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}

	id, frames := r.stream.Subscribe(60) // ~2 seconds at 30fps

	now := time.Now()
	r.filename = fmt.Sprintf("recording_%s.mjpeg", now.Format("20060102_150405"))
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = now
	r.lastSeq = 0
	r.subID = id
	r.stopChan = make(chan struct{})
	r.current = Chunk{}
	r.chunks = nil

	if first := r.stream.Latest(); first != nil {
		r.writeFrameLocked(first)
	}

	r.wg.Add(1)
	go r.writeFrames(frames, r.stopChan)

	logger.Debug("Recorder", "Started %s", r.filename)
	return nil
}

// Stop ends the capture session and returns its chunks. Frames already
// delivered by the stream are written before Stop returns.
func (r *Recorder) Stop() ([]Chunk, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stream.Unsubscribe(r.subID)
	r.sealLocked()
	chunks := r.chunks
	r.chunks = nil

	logger.Debug("Recorder", "Stopped %s (%d frames, %d bytes, %d chunks)",
		r.filename, r.frameCount, r.bytesWritten, len(chunks))
	return chunks, nil
}

func (r *Recorder) writeFrames(frames <-chan *types.Frame, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-stop:
			// Drain remaining frames
			for {
				select {
				case frame, ok := <-frames:
					if !ok {
						return
					}
					r.writeFrame(frame)
				default:
					return
				}
			}
		case frame, ok := <-frames:
			if !ok {
				logger.Warn("Recorder", "Stream closed while recording %s", r.Filename())
				return
			}
			r.writeFrame(frame)
		}
	}
}

func (r *Recorder) writeFrame(frame *types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeFrameLocked(frame)
}

func (r *Recorder) writeFrameLocked(frame *types.Frame) {
	if frame == nil || len(frame.JPEG) == 0 || frame.Seq <= r.lastSeq {
		return
	}
	r.lastSeq = frame.Seq

	if len(r.current.FrameSizes) == 0 {
		r.current.StartTime = frame.Timestamp
	}
	r.current.Data = append(r.current.Data, frame.JPEG...)
	r.current.FrameSizes = append(r.current.FrameSizes, len(frame.JPEG))
	r.current.EndTime = frame.Timestamp

	r.frameCount++
	r.bytesWritten += uint64(len(frame.JPEG))

	if len(r.current.FrameSizes) >= r.chunkFrames {
		r.sealLocked()
	}
}

func (r *Recorder) sealLocked() {
	if len(r.current.FrameSizes) == 0 {
		return
	}
	chunk := r.current
	r.chunks = append(r.chunks, chunk)
	r.current = Chunk{}
	if r.onChunk != nil {
		r.onChunk(chunk)
	}
}

// Filename returns the name of the current or last capture session.
func (r *Recorder) Filename() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filename
}

// Status reports progress of the capture in flight.
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{
		Recording: r.recording,
		Filename:  r.filename,
		Frames:    r.frameCount,
		Bytes:     r.bytesWritten,
		StartedAt: r.startTime,
	}
	if r.recording {
		st.Duration = time.Since(r.startTime)
	}
	return st
}

// Status is a point-in-time view of a capture session.
type Status struct {
	Recording bool          `json:"recording"`
	Filename  string        `json:"filename"`
	Frames    uint64        `json:"frames"`
	Bytes     uint64        `json:"bytes"`
	Duration  time.Duration `json:"-"`
	StartedAt time.Time     `json:"started_at"`
}

// DurationMs is Duration in whole milliseconds.
func (s Status) DurationMs() int64 {
	return s.Duration.Milliseconds()
}
