package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hybridgroup/mjpeg"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/controller"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // structpb.Struct, base64 encoded for SSE
}

// StatusSource is the controller side of the status feed.
type StatusSource interface {
	State() controller.Snapshot
	Subscribe() (int, <-chan controller.Snapshot)
	Unsubscribe(id int)
}

// EventSink receives every serialized status event. webrtc.Server implements it.
type EventSink interface {
	Broadcast(payload []byte)
}

// StatusBroadcaster turns controller snapshots into serialized events and
// fans them out to SSE clients and the WebRTC event channels.
type StatusBroadcaster struct {
	source StatusSource
	sink   EventSink

	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	last    *SerializedEvent
	subID   int
	started bool
	stopped bool
	done    chan struct{}
}

// NewStatusBroadcaster creates a broadcaster; sink may be nil.
func NewStatusBroadcaster(source StatusSource, sink EventSink) *StatusBroadcaster {
	return &StatusBroadcaster{
		source:  source,
		sink:    sink,
		clients: make(map[int]chan *SerializedEvent),
		done:    make(chan struct{}),
	}
}

// Subscribe adds a new client. The current status is delivered immediately.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 4)
	if sb.last != nil {
		ch <- sb.last
	}
	sb.clients[id] = ch

	logger.Debug("StatusBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		logger.Debug("StatusBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

// Start begins forwarding controller snapshots.
func (sb *StatusBroadcaster) Start() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.started || sb.stopped {
		return
	}
	id, snaps := sb.source.Subscribe()
	sb.subID = id
	sb.started = true
	go sb.run(snaps)
}

// Stop halts the broadcaster and disconnects its clients.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	if sb.stopped {
		sb.mu.Unlock()
		return
	}
	sb.stopped = true
	id, started := sb.subID, sb.started
	sb.mu.Unlock()

	if started {
		sb.source.Unsubscribe(id)
		<-sb.done
	}

	sb.mu.Lock()
	for id, ch := range sb.clients {
		close(ch)
		delete(sb.clients, id)
	}
	sb.mu.Unlock()
}

func (sb *StatusBroadcaster) run(snaps <-chan controller.Snapshot) {
	defer close(sb.done)
	for snap := range snaps {
		event, err := serializeStatus(snap, time.Now())
		if err != nil {
			logger.Error("StatusBroadcaster", "Serialize error: %v", err)
			continue
		}
		sb.broadcast(event)
		if sb.sink != nil {
			sb.sink.Broadcast(event.JSONData)
		}
	}
}

func (sb *StatusBroadcaster) broadcast(event *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.last = event
	for _, ch := range sb.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

// statusPayload is the JSON and protobuf shape of a status event.
func statusPayload(snap controller.Snapshot, now time.Time) map[string]any {
	payload := map[string]any{
		"state":         snap.State.String(),
		"armed":         snap.Armed,
		"recording":     snap.Recording,
		"start_enabled": snap.StartEnabled,
		"stop_enabled":  snap.StopEnabled,
		"ready":         snap.Ready,
		"starting":      snap.Starting,
		"init_error":    snap.InitError,
		"last_error":    snap.LastError,
		"records":       snap.Records,
		"timestamp":     float64(now.UnixMilli()) / 1000,
	}
	if c := snap.Capture; c != nil {
		payload["capture"] = map[string]any{
			"filename":    c.Filename,
			"frames":      c.Frames,
			"bytes":       c.Bytes,
			"duration_ms": c.DurationMs(),
			"started_at":  float64(c.StartedAt.UnixMilli()) / 1000,
		}
	}
	return payload
}

func serializeStatus(snap controller.Snapshot, now time.Time) (*SerializedEvent, error) {
	payload := statusPayload(snap, now)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	pbStruct, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("protobuf convert: %w", err)
	}
	pbData, err := proto.Marshal(pbStruct)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// FrameFeed is the capture stream as seen by the live view.
type FrameFeed interface {
	Subscribe(buffer int) (int, <-chan *types.Frame)
	Unsubscribe(id int)
}

// DetectionSource supplies what the overlay draws.
type DetectionSource interface {
	State() controller.Snapshot
	LatestDetections() ([]types.Detection, uint64)
}

// LiveView renders overlay frames from the capture stream into an MJPEG
// stream. Frames are only rendered while someone is watching.
type LiveView struct {
	stream  *mjpeg.Stream
	dets    DetectionSource
	label   string
	loc     *time.Location
	quality int
	viewers atomic.Int64

	mu     sync.Mutex
	feed   FrameFeed
	feedID int
	done   chan struct{}
}

// NewLiveView creates a live view showing a placeholder until Attach.
func NewLiveView(dets DetectionSource, label string, loc *time.Location, quality int) *LiveView {
	lv := &LiveView{
		stream:  mjpeg.NewStream(),
		dets:    dets,
		label:   label,
		loc:     loc,
		quality: quality,
	}
	if blank, err := placeholderJPEG("Waiting for camera..."); err == nil {
		lv.stream.UpdateJPEG(blank)
	}
	return lv
}

// Attach starts rendering frames from feed.
func (lv *LiveView) Attach(feed FrameFeed) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	if lv.feed != nil {
		return
	}
	id, frames := feed.Subscribe(2)
	lv.feed = feed
	lv.feedID = id
	lv.done = make(chan struct{})
	go lv.run(frames, lv.done)
}

// Stop detaches from the feed.
func (lv *LiveView) Stop() {
	lv.mu.Lock()
	feed, id, done := lv.feed, lv.feedID, lv.done
	lv.feed = nil
	lv.mu.Unlock()

	if feed == nil {
		return
	}
	feed.Unsubscribe(id)
	<-done
}

// Viewers returns the number of connected live clients.
func (lv *LiveView) Viewers() int {
	return int(lv.viewers.Load())
}

// ServeHTTP streams the live view.
func (lv *LiveView) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := lv.viewers.Add(1)
	logger.Debug("LiveView", "Viewer connected (total: %d)", n)
	defer func() {
		n := lv.viewers.Add(-1)
		logger.Debug("LiveView", "Viewer disconnected (remaining: %d)", n)
	}()
	lv.stream.ServeHTTP(w, r)
}

func (lv *LiveView) run(frames <-chan *types.Frame, done chan struct{}) {
	defer close(done)

	skipCount := 0
	for frame := range frames {
		if lv.viewers.Load() == 0 {
			skipCount++
			if skipCount%100 == 0 {
				logger.Debug("LiveView", "No viewers, skipped %d frames", skipCount)
			}
			continue
		}
		skipCount = 0

		data, err := lv.render(frame)
		if err != nil {
			logger.Warn("LiveView", "Overlay failed for frame %d: %v", frame.Seq, err)
			data = frame.JPEG
		}
		lv.stream.UpdateJPEG(data)
	}
	if blank, err := placeholderJPEG("Camera stream closed"); err == nil {
		lv.stream.UpdateJPEG(blank)
	}
}

func (lv *LiveView) render(frame *types.Frame) ([]byte, error) {
	snap := lv.dets.State()
	ov := overlay{
		Header: fmt.Sprintf("Frame: %d  Time: %s  %s",
			frame.Seq, frame.Timestamp.In(lv.loc).Format(DisplayTimeFormat), snap.State),
		Label:     lv.label,
		Recording: snap.Recording,
	}
	if snap.Armed {
		dets, seq := lv.dets.LatestDetections()
		// Boxes older than a second of video are stale.
		if seq+30 >= frame.Seq {
			ov.Detections = dets
		}
	}
	return renderOverlay(frame.JPEG, ov, lv.quality)
}
