package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// FileSource replays a file of concatenated JPEG frames at a fixed rate, looping.
// Recordings downloaded from the monitor use the same layout.
type FileSource struct {
	Path string
	FPS  int
}

// NewFileSource creates a replay source.
func NewFileSource(path string, fps int) *FileSource {
	if fps <= 0 {
		fps = 15
	}
	return &FileSource{Path: path, FPS: fps}
}

// Name implements Source.
func (f *FileSource) Name() string {
	return "file:" + f.Path
}

// Run implements Source.
func (f *FileSource) Run(ctx context.Context, publish func(*types.Frame)) error {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Path, err)
	}

	images, err := SplitJPEGs(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", f.Path, err)
	}

	frames := make([]*types.Frame, 0, len(images))
	for i, img := range images {
		frame, err := newFrame(img, time.Time{})
		if err != nil {
			logger.Warn("Capture", "Skipping frame %d of %s: %v", i, f.Path, err)
			continue
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 {
		return fmt.Errorf("%s contains no decodable frames", f.Path)
	}

	logger.Info("Capture", "Replaying %d frames from %s at %d fps", len(frames), f.Path, f.FPS)

	ticker := time.NewTicker(time.Second / time.Duration(f.FPS))
	defer ticker.Stop()

	for i := 0; ctx.Err() == nil; i++ {
		src := frames[i%len(frames)]
		// Each publish gets its own Frame since the stream assigns Seq.
		publish(&types.Frame{
			Timestamp: time.Now(),
			Width:     src.Width,
			Height:    src.Height,
			JPEG:      src.JPEG,
		})

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// SplitJPEGs cuts a byte stream of back-to-back JPEG images into individual
// images. Bytes between images are ignored.
func SplitJPEGs(data []byte) ([][]byte, error) {
	var out [][]byte
	for i := 0; i+1 < len(data); {
		if data[i] != 0xFF || data[i+1] != 0xD8 {
			i++
			continue
		}
		end, err := jpegEnd(data, i)
		if err != nil {
			return out, err
		}
		out = append(out, data[i:end])
		i = end
	}
	return out, nil
}

// jpegEnd walks the marker segments of the JPEG starting at start and returns
// the offset just past its EOI marker.
func jpegEnd(data []byte, start int) (int, error) {
	i := start + 2
	for i+1 < len(data) {
		if data[i] != 0xFF {
			return 0, fmt.Errorf("expected marker at offset %d", i)
		}
		marker := data[i+1]
		switch {
		case marker == 0xFF:
			i++ // fill byte
			continue
		case marker == 0xD9:
			return i + 2, nil
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			i += 2
			continue
		}

		if i+3 >= len(data) {
			break
		}
		length := int(data[i+2])<<8 | int(data[i+3])
		i += 2 + length
		if marker != 0xDA {
			continue
		}

		// Entropy-coded data after SOS: scan to the next real marker.
		for i+1 < len(data) {
			if data[i] == 0xFF && data[i+1] != 0x00 && !(data[i+1] >= 0xD0 && data[i+1] <= 0xD7) {
				break
			}
			i++
		}
	}
	return 0, errors.New("truncated jpeg")
}
