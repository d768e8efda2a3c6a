package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/controller"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/records"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/webrtc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// Controller is what the UI needs from the presence controller.
type Controller interface {
	StatusSource
	LatestDetections() ([]types.Detection, uint64)
	OnStartClicked(ctx context.Context) error
	OnStopClicked() error
	Records() *records.List
}

// Server serves the monitor page and its API.
type Server struct {
	cfg    Config
	ctrl   Controller
	rtc    *webrtc.Server
	live   *LiveView
	status *StatusBroadcaster
}

// NewServer returns a configured monitor server. rtc may be nil.
func NewServer(cfg Config, ctrl Controller, rtc *webrtc.Server) *Server {
	cfg = cfg.withDefaults()

	var sink EventSink
	if rtc != nil {
		sink = rtc
	}
	status := NewStatusBroadcaster(ctrl, sink)
	status.Start()

	return &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		rtc:    rtc,
		live:   NewLiveView(ctrl, cfg.Label, cfg.Location, cfg.OverlayQuality),
		status: status,
	}
}

// AttachStream starts the live view once the capture stream is open.
func (s *Server) AttachStream(feed FrameFeed) {
	s.live.Attach(feed)
}

// Close stops background broadcasters.
func (s *Server) Close() {
	s.live.Stop()
	s.status.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/stream", s.live)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/records", s.handleRecords)
	mux.HandleFunc("/records/", s.handleRecord)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	return logRequests(mux)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snap := s.ctrl.State()
	data := indexData{
		Title:        "Presence Monitor",
		StartEnabled: snap.StartEnabled,
		StopEnabled:  snap.StopEnabled,
		Status:       statusText(snap),
		Error:        snap.InitError,
		Records:      s.recordViews(),
	}
	if data.Error == "" {
		data.Error = snap.LastError
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		logger.Error("HTTP", "Render index: %v", err)
	}
}

func statusText(snap controller.Snapshot) string {
	switch {
	case snap.InitError != "":
		return "startup failed"
	case snap.Starting:
		return "getting ready..."
	default:
		return snap.State.String()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.State()
	status := http.StatusOK
	state := "ok"
	switch {
	case snap.InitError != "":
		status, state = http.StatusServiceUnavailable, "failed"
	case snap.Starting:
		status, state = http.StatusServiceUnavailable, "starting"
	case !snap.Ready:
		status, state = http.StatusServiceUnavailable, "degraded"
	}
	writeJSONWithStatus(w, map[string]any{
		"status": state,
		"ready":  snap.Ready,
		"error":  firstNonEmpty(snap.InitError, snap.LastError),
	}, status)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.ctrl.OnStartClicked(r.Context()); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, controller.ErrNotReady) {
			code = http.StatusConflict
		}
		writeJSONWithStatus(w, map[string]any{
			"error":  err.Error(),
			"status": statusPayload(s.ctrl.State(), time.Now()),
		}, code)
		return
	}

	writeJSON(w, map[string]any{
		"status": statusPayload(s.ctrl.State(), time.Now()),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.ctrl.OnStopClicked(); err != nil {
		writeJSONWithStatus(w, map[string]any{
			"error":  err.Error(),
			"status": statusPayload(s.ctrl.State(), time.Now()),
		}, http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"status": statusPayload(s.ctrl.State(), time.Now()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload(s.ctrl.State(), time.Now())
	payload["live_viewers"] = s.live.Viewers()
	if s.rtc != nil {
		payload["webrtc_clients"] = s.rtc.GetClientCount()
	}
	writeJSON(w, payload)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamStatusEventsFromChannel(r.Context(), w, eventCh, useProtobuf, s.cfg.KeepaliveInterval)
}

// recordView is one row of the records table.
type recordView struct {
	Index        int       `json:"index"`
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Time         string    `json:"time"`
	Filename     string    `json:"filename"`
	Frames       int       `json:"frames"`
	Bytes        int       `json:"bytes"`
	DurationMs   int64     `json:"duration_ms"`
	DurationText string    `json:"duration_text"`
	URL          string    `json:"url"`
}

func (s *Server) recordViews() []recordView {
	list := s.ctrl.Records().Snapshot()
	views := make([]recordView, 0, len(list))
	for i, rec := range list {
		views = append(views, recordView{
			Index:        i + 1,
			ID:           rec.ID,
			CreatedAt:    rec.CreatedAt,
			Time:         rec.CreatedAt.In(s.cfg.Location).Format(DisplayTimeFormat),
			Filename:     rec.Filename,
			Frames:       rec.Frames,
			Bytes:        rec.Bytes,
			DurationMs:   rec.Duration.Milliseconds(),
			DurationText: rec.Duration.Round(100 * time.Millisecond).String(),
			URL:          "/records/" + rec.ID,
		})
	}
	return views
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	views := s.recordViews()
	writeJSON(w, map[string]any{
		"count":   len(views),
		"records": views,
	})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/records/")
	rec, ok := s.ctrl.Records().Get(id)
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "record not found"}, http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	if query.Get("download") == "1" {
		w.Header().Set("Content-Type", "video/x-motion-jpeg")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(rec.Data())))
		_, _ = w.Write(rec.Data())
		return
	}

	if frame := query.Get("frame"); frame != "" {
		n, err := strconv.Atoi(frame)
		data := rec.Frame(n)
		if err != nil || data == nil {
			writeJSONWithStatus(w, map[string]any{"error": "frame out of range"}, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(data)
		return
	}

	if rec.Frames == 0 {
		writeJSONWithStatus(w, map[string]any{"error": "record is empty"}, http.StatusNotFound)
		return
	}
	replayRecord(r.Context(), w, rec, s.cfg.ReplayFPS)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.rtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}
	if payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.rtc.HandleOffer(body)
	if err != nil {
		logger.Warn("WebRTC", "Offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

// logRequests logs each request at debug level once it completes.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP", "%s %s (%v)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}
