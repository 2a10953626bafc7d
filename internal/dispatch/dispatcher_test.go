// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/frame"
)

func result(stream string, seq uint64) frame.Result {
	return frame.Result{StreamID: stream, Seq: seq, Status: frame.StatusOK}
}

func TestQueuePreservesOrder(t *testing.T) {
	q := newQueue(4)
	for seq := uint64(0); seq < 3; seq++ {
		evicted, ok := q.Push(result("cam-a", seq))
		require.True(t, ok)
		require.Nil(t, evicted)
	}
	for seq := uint64(0); seq < 3; seq++ {
		r, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, seq, r.Seq)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	q := newQueue(2)
	q.Push(result("cam-a", 0))
	q.Push(result("cam-a", 1))
	evicted, ok := q.Push(result("cam-a", 2))
	require.True(t, ok)
	require.NotNil(t, evicted)
	assert.Equal(t, uint64(0), evicted.Seq, "oldest result is evicted")

	r, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), r.Seq)
	r, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(2), r.Seq)
}

func TestQueueReadyWakesConsumer(t *testing.T) {
	q := newQueue(2)
	select {
	case <-q.Ready():
		t.Fatal("empty queue must not signal ready")
	default:
	}
	q.Push(result("cam-a", 0))
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("push must pulse ready")
	}
}

func TestQueueCloseRejectsPushAndWakes(t *testing.T) {
	q := newQueue(2)
	q.Push(result("cam-a", 0))
	q.Close()

	_, ok := q.Pop()
	assert.False(t, ok, "closed queue drains to nothing")
	_, ok = q.Push(result("cam-a", 1))
	assert.False(t, ok, "closed queue rejects pushes")

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("close must wake a blocked consumer")
	}
}

func TestDispatchRoutesToAttachedStream(t *testing.T) {
	d := New(config.Default().Pipeline)
	qa := d.Attach("cam-a")
	qb := d.Attach("cam-b")

	d.Dispatch(result("cam-a", 0))
	d.Dispatch(result("cam-b", 0))
	d.Dispatch(result("cam-a", 1))

	assert.Equal(t, 2, qa.Depth())
	assert.Equal(t, 1, qb.Depth())

	r, ok := qa.Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(0), r.Seq)
}

func TestDispatchToUnattachedStreamIsDropped(t *testing.T) {
	d := New(config.Default().Pipeline)
	// Must not panic or block.
	d.Dispatch(result("ghost", 0))
}

func TestDetachClosesQueue(t *testing.T) {
	d := New(config.Default().Pipeline)
	q := d.Attach("cam-a")
	d.Detach("cam-a")
	assert.True(t, q.isClosed())
	d.Dispatch(result("cam-a", 0))
	assert.Equal(t, 0, q.Depth())
}

func TestReattachReplacesQueue(t *testing.T) {
	d := New(config.Default().Pipeline)
	old := d.Attach("cam-a")
	fresh := d.Attach("cam-a")
	assert.True(t, old.isClosed(), "previous session's queue is closed on reattach")

	d.Dispatch(result("cam-a", 5))
	assert.Equal(t, 1, fresh.Depth())
}

// memSink records writes for assertions.
type memSink struct {
	mu      sync.Mutex
	results []frame.Result
	err     error
}

func (s *memSink) Write(_ context.Context, r frame.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, r)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func TestSinkFanOutDoesNotBlockDispatch(t *testing.T) {
	sink := &memSink{}
	d := New(config.Default().Pipeline, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Attach("cam-a")
	d.Dispatch(result("cam-a", 0))
	d.Dispatch(result("cam-a", 1))

	require.Eventually(t, func() bool {
		return sink.count() == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSinkFailureDoesNotStopFanOut(t *testing.T) {
	failing := &memSink{err: errors.New("disk full")}
	working := &memSink{}
	d := New(config.Default().Pipeline, failing, working)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Attach("cam-a")
	d.Dispatch(result("cam-a", 0))

	require.Eventually(t, func() bool {
		return working.count() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDirSinkWritesAtomicJSONPerResult(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir)
	require.NoError(t, err)

	r := frame.Result{
		StreamID: "cam-a",
		Seq:      7,
		Status:   frame.StatusOK,
		Detections: []frame.Detection{
			{Class: "person", Confidence: 0.9, Box: frame.BBox{X: 1, Y: 2, W: 3, H: 4}},
		},
		InferenceLatency: 12 * time.Millisecond,
	}
	require.NoError(t, sink.Write(context.Background(), r))

	data, err := os.ReadFile(filepath.Join(dir, "cam-a", "000000000007.json"))
	require.NoError(t, err)

	var rec resultRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "cam-a", rec.StreamID)
	assert.Equal(t, uint64(7), rec.Seq)
	assert.Equal(t, "ok", rec.Status)
	require.Len(t, rec.Detections, 1)
	assert.Equal(t, "person", rec.Detections[0].Class)
}

func TestInstrumentedSinkDelegates(t *testing.T) {
	inner := &memSink{}
	sink := NewInstrumentedSink(inner, "dir")
	require.NoError(t, sink.Write(context.Background(), result("cam-a", 0)))
	assert.Equal(t, 1, inner.count())

	inner.err = errors.New("boom")
	assert.Error(t, sink.Write(context.Background(), result("cam-a", 1)))
	require.NoError(t, sink.Close())
}
