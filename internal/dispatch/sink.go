// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/metrics"
)

// Sink receives a copy of every delivered result. Sink writes run on the
// dispatcher's fan-out goroutine, never on the delivery path.
type Sink interface {
	Write(ctx context.Context, r frame.Result) error
	Close() error
}

// resultRecord is the persisted shape of a result.
type resultRecord struct {
	StreamID         string            `json:"stream_id"`
	Seq              uint64            `json:"seq"`
	Status           string            `json:"status"`
	Detections       []frame.Detection `json:"detections"`
	InferenceLatency string            `json:"inference_latency"`
	WrittenAt        time.Time         `json:"written_at"`
}

// DirSink persists one JSON file per result under
// <dir>/<stream_id>/<seq>.json. Files are written atomically so a reader
// polling the directory never observes a partial result.
type DirSink struct {
	dir string
}

// NewDirSink creates the output directory if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func (s *DirSink) Write(_ context.Context, r frame.Result) error {
	streamDir := filepath.Join(s.dir, r.StreamID)
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		return fmt.Errorf("create stream dir: %w", err)
	}
	rec := resultRecord{
		StreamID:         r.StreamID,
		Seq:              r.Seq,
		Status:           string(r.Status),
		Detections:       r.Detections,
		InferenceLatency: r.InferenceLatency.String(),
		WrittenAt:        time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	path := filepath.Join(streamDir, fmt.Sprintf("%012d.json", r.Seq))
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	return nil
}

func (s *DirSink) Close() error { return nil }

// InstrumentedSink wraps a Sink and counts write outcomes.
type InstrumentedSink struct {
	inner Sink
	name  string
}

// NewInstrumentedSink wraps a sink with metrics instrumentation. The name
// becomes the sink label on the write counters.
func NewInstrumentedSink(inner Sink, name string) *InstrumentedSink {
	return &InstrumentedSink{inner: inner, name: name}
}

func (s *InstrumentedSink) Write(ctx context.Context, r frame.Result) error {
	err := s.inner.Write(ctx, r)
	if err != nil {
		metrics.IncSinkWrite(s.name, "failure")
	} else {
		metrics.IncSinkWrite(s.name, "success")
	}
	return err
}

func (s *InstrumentedSink) Close() error {
	return s.inner.Close()
}

var (
	_ Sink = (*DirSink)(nil)
	_ Sink = (*InstrumentedSink)(nil)
)
