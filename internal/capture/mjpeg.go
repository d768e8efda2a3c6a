package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder for DecodeConfig
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// DefaultMaxPartSize bounds a single JPEG part from the camera.
const DefaultMaxPartSize = 8 << 20

// MJPEGSource reads a multipart/x-mixed-replace JPEG stream from an HTTP camera.
type MJPEGSource struct {
	URL         string
	Client      *http.Client
	MaxPartSize int64 // larger parts are skipped
}

// NewMJPEGSource creates a source for the camera at url.
func NewMJPEGSource(url string) *MJPEGSource {
	return &MJPEGSource{
		URL:         url,
		Client:      &http.Client{},
		MaxPartSize: DefaultMaxPartSize,
	}
}

// Name implements Source.
func (m *MJPEGSource) Name() string {
	return m.URL
}

// Run implements Source. It returns when the connection ends.
func (m *MJPEGSource) Run(ctx context.Context, publish func(*types.Frame)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect camera: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("camera responded %s", resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("unexpected content type %q", mediaType)
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		return errors.New("multipart boundary missing")
	}

	logger.Info("Capture", "Connected to MJPEG camera %s", m.URL)

	limit := m.MaxPartSize
	if limit <= 0 {
		limit = DefaultMaxPartSize
	}

	reader := multipart.NewReader(resp.Body, boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read part: %w", err)
		}

		data, err := io.ReadAll(io.LimitReader(part, limit+1))
		part.Close()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if int64(len(data)) > limit {
			logger.Warn("Capture", "Skipping part larger than %d bytes", limit)
			continue
		}

		frame, err := newFrame(data, time.Now())
		if err != nil {
			logger.Warn("Capture", "Skipping undecodable part: %v", err)
			continue
		}
		publish(frame)
	}
}

// newFrame wraps JPEG bytes after checking they decode.
func newFrame(data []byte, ts time.Time) (*types.Frame, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if format != "jpeg" {
		return nil, fmt.Errorf("unsupported image format %q", format)
	}
	return &types.Frame{
		Timestamp: ts,
		Width:     cfg.Width,
		Height:    cfg.Height,
		JPEG:      data,
	}, nil
}
