package types

import "time"

// PersonLabel is the detector class that counts as presence.
const PersonLabel = "person"

// Frame is a single JPEG-encoded video frame with metadata.
// Frames are shared between the live view, the detector and the recorder,
// so Data must not be modified after the frame is published.
type Frame struct {
	Seq       uint64    // Sequential frame number assigned by the stream
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width
	Height    int       // Frame height
	JPEG      []byte    // Encoded JPEG image
}

// BoundingBox is a pixel rectangle in frame coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is one classified object reported by a detector.
type Detection struct {
	Label      string      `json:"class_name"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"bbox"`
}
