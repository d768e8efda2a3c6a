package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/controller"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/detect"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/records"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/webmonitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/webrtc"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		httpAddr     = flag.String("http", "", "HTTP server address (overrides config)")
		metricsAddr  = flag.String("metrics", "", "Prometheus metrics address, \"off\" to disable")
		cameraURL    = flag.String("camera-url", "", "MJPEG camera URL")
		cameraFile   = flag.String("camera-file", "", "Concatenated JPEG file to replay instead of a camera")
		detectorAddr = flag.String("detector", "", "Detector server address (host:port)")
		pprofAddr    = flag.String("pprof", "", "pprof server address (disabled if empty)")
		logLevel     = flag.String("log-level", "", "Log level: debug, info, warn, error")
		logColor     = flag.Bool("log-color", true, "Enable colored log output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Only flags given on the command line override the config.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "camera-url":
			cfg.Camera.URL = *cameraURL
			cfg.Camera.File = ""
		case "camera-file":
			cfg.Camera.File = *cameraFile
			cfg.Camera.URL = ""
		case "detector":
			cfg.Detector.Addr = *detectorAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-color":
			cfg.LogColor = *logColor
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Invalid time zone: %v", err)
	}

	m := metrics.New()
	ctrl := controller.New(controller.Deps{
		Records:       records.NewList(),
		Metrics:       m,
		Label:         cfg.Detector.Label,
		MinConfidence: cfg.Detector.MinConfidence,
	})

	rtc := webrtc.NewServer(cfg.WebRTC.STUN, cfg.WebRTC.MaxClients)
	rtc.SetMetrics(m)

	server := webmonitor.NewServer(webmonitor.Config{
		Location:  loc,
		ReplayFPS: cfg.Camera.FPS,
		Label:     cfg.Detector.Label,
	}, ctrl, rtc)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Handler(),
	}

	if cfg.MetricsAddr != "" && cfg.MetricsAddr != "off" {
		go func() {
			logger.Info("Main", "Metrics server listening on %s", cfg.MetricsAddr)
			if err := m.StartServer(cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "pprof server listening on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Presence monitor listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The UI is served while the camera and detector come up.
	streamCh := make(chan *capture.Stream, 1)
	go func() {
		stream, err := startup(ctx, cfg, ctrl, m, server)
		if err != nil {
			ctrl.MarkFailed(err)
		}
		streamCh <- stream
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Main", "Received signal %v, shutting down...", sig)

	// Finalize any capture in progress before the stream goes away.
	if err := ctrl.OnStopClicked(); err != nil {
		logger.Warn("Main", "Stop on shutdown: %v", err)
	}

	cancel()
	if stream := <-streamCh; stream != nil {
		stream.Close()
	}

	server.Close()
	if err := rtc.Close(); err != nil {
		logger.Warn("Main", "WebRTC close: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Main", "HTTP shutdown error: %v", err)
	}

	logger.Info("Main", "Presence monitor stopped (%d records this session)", ctrl.Records().Len())
}

// startup opens the camera, loads the detector and prepares the recorder,
// then hands them to the controller. The stream is returned even when a later
// step fails so it can be released on shutdown.
func startup(ctx context.Context, cfg config.Config, ctrl *controller.Controller, m *metrics.Metrics, server *webmonitor.Server) (*capture.Stream, error) {
	var src capture.Source
	switch {
	case cfg.Camera.URL != "":
		src = capture.NewMJPEGSource(cfg.Camera.URL)
	case cfg.Camera.File != "":
		src = capture.NewFileSource(cfg.Camera.File, cfg.Camera.FPS)
	default:
		return nil, errors.New("camera: no camera.url or camera.file configured")
	}

	logger.Info("Main", "Opening camera %s", src.Name())
	stream, err := capture.Open(ctx, src, capture.Options{StartupTimeout: cfg.Camera.StartupTimeout})
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	m.WatchStream(stream)
	server.AttachStream(stream)

	det := detect.NewNetworkDetector(cfg.Detector.Addr, cfg.Detector.Timeout)
	logger.Info("Main", "Loading detector at %s", cfg.Detector.Addr)
	if err := det.Load(ctx); err != nil {
		return stream, fmt.Errorf("detector: %w", err)
	}

	rec, err := recorder.New(stream, recorder.Options{
		ChunkFrames: cfg.Recorder.ChunkFrames,
		OnChunk: func(c recorder.Chunk) {
			logger.Debug("Recorder", "Chunk sealed: %d frames, %d bytes", c.Frames(), len(c.Data))
		},
	})
	if err != nil {
		return stream, fmt.Errorf("recorder: %w", err)
	}

	err = ctrl.Attach(controller.Deps{
		Stream:        stream,
		Detector:      det,
		Recorder:      rec,
		Label:         cfg.Detector.Label,
		MinConfidence: cfg.Detector.MinConfidence,
	})
	return stream, err
}
