// SPDX-License-Identifier: MIT

// Package wire defines the client/server message contract: length-prefixed
// msgpack envelopes carrying frames toward the server and detection results
// back. Sequence numbers are per-stream, monotonically increasing from 0,
// assigned by the client at capture time.
package wire

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/fovealabs/fovea/internal/frame"
)

// Kind discriminates envelope payloads.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindFrame
	KindResult
	KindGoodbye
)

// String returns the wire kind as a metric/log label.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindFrame:
		return "frame"
	case KindResult:
		return "result"
	case KindGoodbye:
		return "goodbye"
	default:
		return "unknown"
	}
}

// Hello opens a stream. It must be the first message on a connection.
type Hello struct {
	StreamID string `msgpack:"stream_id"`
}

// FrameMessage carries one encoded frame from client to server.
type FrameMessage struct {
	StreamID   string `msgpack:"stream_id"`
	Seq        uint64 `msgpack:"seq"`
	CapturedAt int64  `msgpack:"captured_at"` // unix nanos
	Pixels     []byte `msgpack:"pixels"`      // JPEG payload
	Width      int    `msgpack:"width"`
	Height     int    `msgpack:"height"`
}

// Detection mirrors frame.Detection on the wire.
type Detection struct {
	Class      string  `msgpack:"class"`
	Confidence float32 `msgpack:"confidence"`
	X          float32 `msgpack:"x"`
	Y          float32 `msgpack:"y"`
	W          float32 `msgpack:"w"`
	H          float32 `msgpack:"h"`
}

// ResultMessage carries one inference result from server to client.
type ResultMessage struct {
	StreamID       string      `msgpack:"stream_id"`
	Seq            uint64      `msgpack:"seq"`
	Status         string      `msgpack:"status"`
	Detections     []Detection `msgpack:"detections"`
	InferenceNanos int64       `msgpack:"inference_ns"`
}

// Goodbye announces an orderly stream shutdown.
type Goodbye struct {
	StreamID string `msgpack:"stream_id"`
	Reason   string `msgpack:"reason,omitempty"`
}

// envelope is the outer wire shape: a kind tag plus the raw payload.
type envelope struct {
	Kind Kind               `msgpack:"k"`
	Body msgpack.RawMessage `msgpack:"b"`
}

// FrameFromMessage converts a wire frame into the pipeline representation,
// stamping the arrival time.
func FrameFromMessage(m FrameMessage, arrivedAt time.Time) frame.Frame {
	return frame.Frame{
		StreamID:   m.StreamID,
		Seq:        m.Seq,
		CapturedAt: time.Unix(0, m.CapturedAt),
		ArrivedAt:  arrivedAt,
		Pixels:     m.Pixels,
		Width:      m.Width,
		Height:     m.Height,
	}
}

// MessageFromFrame converts a pipeline frame into its wire shape.
func MessageFromFrame(f frame.Frame) FrameMessage {
	return FrameMessage{
		StreamID:   f.StreamID,
		Seq:        f.Seq,
		CapturedAt: f.CapturedAt.UnixNano(),
		Pixels:     f.Pixels,
		Width:      f.Width,
		Height:     f.Height,
	}
}

// MessageFromResult converts a pipeline result into its wire shape.
func MessageFromResult(r frame.Result) ResultMessage {
	dets := make([]Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		dets = append(dets, Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			X:          d.Box.X,
			Y:          d.Box.Y,
			W:          d.Box.W,
			H:          d.Box.H,
		})
	}
	return ResultMessage{
		StreamID:       r.StreamID,
		Seq:            r.Seq,
		Status:         string(r.Status),
		Detections:     dets,
		InferenceNanos: int64(r.InferenceLatency),
	}
}

// ResultFromMessage converts a wire result back to the pipeline shape.
func ResultFromMessage(m ResultMessage) frame.Result {
	dets := make([]frame.Detection, 0, len(m.Detections))
	for _, d := range m.Detections {
		dets = append(dets, frame.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			Box:        frame.BBox{X: d.X, Y: d.Y, W: d.W, H: d.H},
		})
	}
	return frame.Result{
		StreamID:         m.StreamID,
		Seq:              m.Seq,
		Detections:       dets,
		Status:           frame.ResultStatus(m.Status),
		InferenceLatency: time.Duration(m.InferenceNanos),
	}
}

func marshalEnvelope(kind Kind, body any) ([]byte, error) {
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", kind, err)
	}
	out, err := msgpack.Marshal(envelope{Kind: kind, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	return out, nil
}
