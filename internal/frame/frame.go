// SPDX-License-Identifier: MIT

// Package frame defines the data model shared by every pipeline stage: frames
// flowing toward the detection engine and results flowing back out.
package frame

import "time"

// Frame is one timestamped image sampled from a video stream. A Frame is
// immutable once created; ownership transfers stage to stage and the pixel
// buffer must never be mutated after construction.
type Frame struct {
	StreamID   string
	Seq        uint64
	CapturedAt time.Time
	ArrivedAt  time.Time
	Pixels     []byte // encoded image payload (JPEG)
	Width      int
	Height     int
}

// Age reports how long ago the frame was captured.
func (f Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.CapturedAt)
}

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	W float32 `json:"w"`
	H float32 `json:"h"`
}

// Detection is one recognized object instance within a frame.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        BBox    `json:"bbox"`
}

// ResultStatus classifies the outcome of inference for one frame.
type ResultStatus string

const (
	// StatusOK means the engine produced detections for the frame.
	StatusOK ResultStatus = "ok"
	// StatusExpired means the frame aged out before or during inference.
	// Expired frames are never re-inferred.
	StatusExpired ResultStatus = "expired"
	// StatusFailed means the engine rejected the frame (malformed input,
	// engine error). The stream itself continues unaffected.
	StatusFailed ResultStatus = "failed"
)

// Result is the per-frame inference outcome. Produced at most once per frame
// that survives the drop policy; immutable after creation.
type Result struct {
	StreamID         string
	Seq              uint64
	Detections       []Detection
	Status           ResultStatus
	InferenceLatency time.Duration
}
