package webmonitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/controller"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/records"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// idleStream never delivers a frame.
type idleStream struct{}

func (idleStream) Next(ctx context.Context, after uint64) (*types.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type nopRecorder struct{}

func (nopRecorder) Start() error                    { return nil }
func (nopRecorder) Stop() ([]recorder.Chunk, error) { return nil, nil }
func (nopRecorder) Filename() string                { return "recording_test.mjpeg" }
func (nopRecorder) Status() recorder.Status         { return recorder.Status{} }

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func newReadyController() *controller.Controller {
	return controller.New(controller.Deps{
		Stream: idleStream{},
		Detector: detect.Func(func(context.Context, *types.Frame) ([]types.Detection, error) {
			return nil, nil
		}),
		Recorder: nopRecorder{},
	})
}

func newTestServer(t *testing.T, ctrl *controller.Controller) (*Server, http.Handler) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	cfg.ReplayFPS = 100
	s := NewServer(cfg, ctrl, nil)
	t.Cleanup(func() {
		ctrl.OnStopClicked()
		s.Close()
	})
	return s, s.Handler()
}

func addRecord(t *testing.T, ctrl *controller.Controller, frames int, createdAt time.Time) records.Record {
	t.Helper()
	var chunk recorder.Chunk
	for i := 0; i < frames; i++ {
		img := testJPEG(t, 16, 16)
		chunk.Data = append(chunk.Data, img...)
		chunk.FrameSizes = append(chunk.FrameSizes, len(img))
	}
	rec := records.Finalize("recording_20240102_030405.mjpeg", []recorder.Chunk{chunk}, createdAt.Add(-time.Second), createdAt)
	ctrl.Records().Append(rec)
	return rec
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("invalid json: %v (%s)", err, body)
	}
	return payload
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestIndexRendersControlsAndRecords(t *testing.T) {
	ctrl := newReadyController()
	_, h := newTestServer(t, ctrl)
	addRecord(t, ctrl, 2, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	resp := do(t, h, http.MethodGet, "/")
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	body := resp.Body.String()
	for _, want := range []string{"S.N", "Records", `src="/stream"`, "2024/01/02 03:04:05", `id="btn-start">`, `id="btn-stop" disabled`} {
		if !strings.Contains(body, want) {
			t.Fatalf("index missing %q", want)
		}
	}

	if resp := do(t, h, http.MethodGet, "/nope"); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", resp.Code)
	}
}

func TestStartRejectedUntilReady(t *testing.T) {
	ctrl := controller.New(controller.Deps{})
	ctrl.MarkFailed(errors.New("camera permission denied"))
	_, h := newTestServer(t, ctrl)

	resp := do(t, h, http.MethodPost, "/api/start")
	if resp.Code != http.StatusConflict {
		t.Fatalf("start status = %d, want 409", resp.Code)
	}
	payload := decodeJSONMap(t, resp.Body.Bytes())
	if !strings.Contains(payload["error"].(string), "not ready") {
		t.Fatalf("error = %v", payload["error"])
	}

	health := do(t, h, http.MethodGet, "/health")
	if health.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d", health.Code)
	}
	if got := decodeJSONMap(t, health.Body.Bytes())["status"]; got != "failed" {
		t.Fatalf("health = %v", got)
	}

	index := do(t, h, http.MethodGet, "/").Body.String()
	if !strings.Contains(index, `id="btn-start" disabled`) || !strings.Contains(index, "camera permission denied") {
		t.Fatalf("index should disable start and show the startup error")
	}
}

func TestStartStopFlow(t *testing.T) {
	ctrl := newReadyController()
	_, h := newTestServer(t, ctrl)

	if resp := do(t, h, http.MethodGet, "/api/start"); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/start = %d", resp.Code)
	}

	resp := do(t, h, http.MethodPost, "/api/start")
	if resp.Code != http.StatusOK {
		t.Fatalf("start status = %d (%s)", resp.Code, resp.Body.String())
	}
	status := decodeJSONMap(t, resp.Body.Bytes())["status"].(map[string]any)
	if status["state"] != "watching" || status["stop_enabled"] != true || status["start_enabled"] != false {
		t.Fatalf("status after start = %v", status)
	}

	resp = do(t, h, http.MethodPost, "/api/stop")
	if resp.Code != http.StatusOK {
		t.Fatalf("stop status = %d", resp.Code)
	}
	status = decodeJSONMap(t, resp.Body.Bytes())["status"].(map[string]any)
	if status["state"] != "idle" || status["armed"] != false {
		t.Fatalf("status after stop = %v", status)
	}

	if got := decodeJSONMap(t, do(t, h, http.MethodGet, "/health").Body.Bytes())["status"]; got != "ok" {
		t.Fatalf("health = %v", got)
	}
}

func TestStatusPayloadIncludesCapture(t *testing.T) {
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := controller.Snapshot{
		State:     controller.Capturing,
		Armed:     true,
		Recording: true,
		Capture: &recorder.Status{
			Recording: true,
			Filename:  "recording_20240102_030405.mjpeg",
			Frames:    12,
			Bytes:     4096,
			Duration:  2500 * time.Millisecond,
			StartedAt: started,
		},
	}

	event, err := serializeStatus(snap, started.Add(3*time.Second))
	if err != nil {
		t.Fatalf("serializeStatus: %v", err)
	}

	capture, ok := decodeJSONMap(t, event.JSONData)["capture"].(map[string]any)
	if !ok {
		t.Fatalf("capture missing from %s", event.JSONData)
	}
	if capture["duration_ms"] != float64(2500) || capture["frames"] != float64(12) || capture["bytes"] != float64(4096) {
		t.Fatalf("capture = %v", capture)
	}
	if capture["filename"] != "recording_20240102_030405.mjpeg" {
		t.Fatalf("capture filename = %v", capture["filename"])
	}

	raw, err := base64.StdEncoding.DecodeString(string(event.ProtobufData))
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("decode protobuf: %v", err)
	}
	if got := st.Fields["capture"].GetStructValue().Fields["duration_ms"].GetNumberValue(); got != 2500 {
		t.Fatalf("protobuf duration_ms = %v", got)
	}

	idle, err := serializeStatus(controller.Snapshot{}, started)
	if err != nil {
		t.Fatalf("serializeStatus: %v", err)
	}
	if _, ok := decodeJSONMap(t, idle.JSONData)["capture"]; ok {
		t.Fatalf("capture present while idle: %s", idle.JSONData)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ctrl := newReadyController()
	_, h := newTestServer(t, ctrl)

	payload := decodeJSONMap(t, do(t, h, http.MethodGet, "/api/status").Body.Bytes())
	if payload["state"] != "idle" || payload["ready"] != true {
		t.Fatalf("status = %v", payload)
	}
	if _, ok := payload["live_viewers"].(float64); !ok {
		t.Fatalf("live_viewers missing: %v", payload)
	}
}

func TestRecordsEndpoints(t *testing.T) {
	ctrl := newReadyController()
	_, h := newTestServer(t, ctrl)
	first := addRecord(t, ctrl, 3, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	addRecord(t, ctrl, 1, time.Date(2024, 1, 2, 3, 5, 0, 0, time.UTC))

	var list struct {
		Count   int          `json:"count"`
		Records []recordView `json:"records"`
	}
	if err := json.Unmarshal(do(t, h, http.MethodGet, "/api/records").Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 2 || len(list.Records) != 2 {
		t.Fatalf("records = %+v", list)
	}
	if list.Records[0].Index != 1 || list.Records[0].ID != first.ID || list.Records[0].Time != "2024/01/02 03:04:05" {
		t.Fatalf("first row = %+v", list.Records[0])
	}
	if list.Records[0].URL != "/records/"+first.ID {
		t.Fatalf("url = %s", list.Records[0].URL)
	}

	dl := do(t, h, http.MethodGet, "/records/"+first.ID+"?download=1")
	if dl.Code != http.StatusOK || dl.Header().Get("Content-Type") != "video/x-motion-jpeg" {
		t.Fatalf("download status=%d type=%s", dl.Code, dl.Header().Get("Content-Type"))
	}
	if !strings.Contains(dl.Header().Get("Content-Disposition"), "recording_20240102_030405.mjpeg") {
		t.Fatalf("disposition = %s", dl.Header().Get("Content-Disposition"))
	}
	if !bytes.Equal(dl.Body.Bytes(), first.Data()) {
		t.Fatalf("download body differs from record data")
	}

	frame := do(t, h, http.MethodGet, "/records/"+first.ID+"?frame=2")
	if _, err := jpeg.Decode(frame.Body); err != nil {
		t.Fatalf("frame is not a jpeg: %v", err)
	}
	if resp := do(t, h, http.MethodGet, "/records/"+first.ID+"?frame=9"); resp.Code != http.StatusNotFound {
		t.Fatalf("out of range frame = %d", resp.Code)
	}
	if resp := do(t, h, http.MethodGet, "/records/missing"); resp.Code != http.StatusNotFound {
		t.Fatalf("missing record = %d", resp.Code)
	}
}

func TestRecordReplayIsMultipart(t *testing.T) {
	ctrl := newReadyController()
	_, h := newTestServer(t, ctrl)
	rec := addRecord(t, ctrl, 3, time.Now())

	resp := do(t, h, http.MethodGet, "/records/"+rec.ID)
	mediaType, params, err := mime.ParseMediaType(resp.Header().Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("content type = %s (%v)", resp.Header().Get("Content-Type"), err)
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	count := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		data, _ := io.ReadAll(part)
		if !bytes.Equal(data, rec.Frame(count)) {
			t.Fatalf("part %d differs from recorded frame", count)
		}
		count++
	}
	if count != 3 {
		t.Fatalf("replayed %d frames, want 3", count)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestStatusStreamPushesTransitions(t *testing.T) {
	ctrl := newReadyController()
	_, h := newTestServer(t, ctrl)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := decodeJSONMap(t, []byte(readEvent(t, reader)))
	if first["state"] != "idle" {
		t.Fatalf("first event = %v", first)
	}

	if err := ctrl.OnStartClicked(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	next := decodeJSONMap(t, []byte(readEvent(t, reader)))
	if next["state"] != "watching" || next["armed"] != true {
		t.Fatalf("event after start = %v", next)
	}
}

func TestStatusStreamProtobuf(t *testing.T) {
	ctrl := newReadyController()
	_, h := newTestServer(t, ctrl)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/status/stream", nil)
	req.Header.Set("Accept", "application/protobuf")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Content-Format"); got != "application/protobuf" {
		t.Fatalf("X-Content-Format = %s", got)
	}

	raw, err := base64.StdEncoding.DecodeString(readEvent(t, bufio.NewReader(resp.Body)))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := st.GetFields()["state"].GetStringValue(); got != "idle" {
		t.Fatalf("state = %q", got)
	}
	if !st.GetFields()["start_enabled"].GetBoolValue() {
		t.Fatalf("start_enabled should be true")
	}
}

func TestWebRTCOfferValidation(t *testing.T) {
	ctrl := newReadyController()
	_, h := newTestServer(t, ctrl)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webrtc/offer", strings.NewReader(`{"sdp":"x","type":"offer"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("offer without WebRTC server = %d", rec.Code)
	}
}

func TestRenderOverlayKeepsDimensions(t *testing.T) {
	src := testJPEG(t, 120, 90)
	out, err := renderOverlay(src, overlay{
		Header:     "Frame: 1",
		Label:      types.PersonLabel,
		Recording:  true,
		Detections: []types.Detection{{Label: types.PersonLabel, Confidence: 0.9, Box: types.BoundingBox{X: 10, Y: 10, W: 50, H: 60}}},
	}, 80)
	if err != nil {
		t.Fatalf("renderOverlay: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 120 || cfg.Height != 90 {
		t.Fatalf("size = %dx%d", cfg.Width, cfg.Height)
	}

	if _, err := renderOverlay([]byte("not a jpeg"), overlay{}, 80); err == nil {
		t.Fatalf("invalid frame should fail")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{ReplayFPS: 5, OverlayQuality: 150}.withDefaults()
	if cfg.ReplayFPS != 5 {
		t.Fatalf("ReplayFPS = %d, want 5", cfg.ReplayFPS)
	}
	if cfg.OverlayQuality != DefaultConfig().OverlayQuality {
		t.Fatalf("OverlayQuality = %d, want default", cfg.OverlayQuality)
	}
	if cfg.Location == nil || cfg.KeepaliveInterval <= 0 || cfg.Label != types.PersonLabel {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestReplayInterval(t *testing.T) {
	rec := records.Record{Frames: 10, Duration: time.Second}
	if got := replayInterval(rec, 15); got != 100*time.Millisecond {
		t.Fatalf("interval = %v", got)
	}
	if got := replayInterval(records.Record{Frames: 1}, 20); got != 50*time.Millisecond {
		t.Fatalf("fallback interval = %v", got)
	}
}
