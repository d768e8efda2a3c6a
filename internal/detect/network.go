package detect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// prediction is the wire shape returned by the detection server.
type prediction struct {
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box"` // x1, y1, x2, y2
}

// NetworkDetector sends each frame to an object-detection server over TCP.
// Request: 4-byte big-endian length followed by the JPEG bytes.
// Response: a single newline-terminated JSON array of predictions.
type NetworkDetector struct {
	Addr    string
	Timeout time.Duration

	dialer net.Dialer
}

// NewNetworkDetector creates a detector for the server at addr.
func NewNetworkDetector(addr string, timeout time.Duration) *NetworkDetector {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NetworkDetector{Addr: addr, Timeout: timeout}
}

// Load verifies the server answers by classifying a blank frame.
func (d *NetworkDetector) Load(ctx context.Context) error {
	warmup, err := blankJPEG(64, 64)
	if err != nil {
		return fmt.Errorf("build warm-up frame: %w", err)
	}

	start := time.Now()
	if _, err := d.Detect(ctx, &types.Frame{JPEG: warmup, Width: 64, Height: 64}); err != nil {
		return fmt.Errorf("detector %s not ready: %w", d.Addr, err)
	}
	logger.Info("Detector", "Model server %s ready (warm-up took %v)", d.Addr, time.Since(start).Round(time.Millisecond))
	return nil
}

// Detect implements Detector.
func (d *NetworkDetector) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if frame == nil || len(frame.JPEG) == 0 {
		return nil, errors.New("empty frame")
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	conn, err := d.dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock reads when the caller gives up early.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(frame.JPEG)))
	if _, err := conn.Write(header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(frame.JPEG); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var preds []prediction
	if err := json.Unmarshal(line, &preds); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	dets := make([]types.Detection, 0, len(preds))
	for _, p := range preds {
		det := types.Detection{Label: p.ClassName, Confidence: p.Confidence}
		if len(p.Box) == 4 {
			det.Box = types.BoundingBox{
				X: int(p.Box[0]),
				Y: int(p.Box[1]),
				W: int(p.Box[2] - p.Box[0]),
				H: int(p.Box[3] - p.Box[1]),
			}
		}
		dets = append(dets, det)
	}
	return dets, nil
}

func blankJPEG(w, h int) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 128}}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
