// Package detect talks to the object detector that decides whether a frame
// contains a person.
package detect

import (
	"context"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/pkg/types"
)

// Detector classifies the objects in a frame. Implementations are loaded once
// and must be safe to call repeatedly from a single goroutine.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
}

// Loader is implemented by detectors that need a warm-up step before the
// first Detect call.
type Loader interface {
	Load(ctx context.Context) error
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, frame *types.Frame) ([]types.Detection, error)

// Detect implements Detector.
func (f Func) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	return f(ctx, frame)
}

// HasLabel reports whether any detection carries label with at least minConfidence.
func HasLabel(dets []types.Detection, label string, minConfidence float64) bool {
	for _, d := range dets {
		if d.Label == label && d.Confidence >= minConfidence {
			return true
		}
	}
	return false
}
