// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/dispatch"
	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/ingress"
	"github.com/fovealabs/fovea/internal/wire"
)

type harness struct {
	reg    *ingress.Registry
	disp   *dispatch.Dispatcher
	srv    *Server
	cancel context.CancelFunc
	done   chan struct{}
}

func startServer(t *testing.T) *harness {
	t.Helper()
	clk := clock.New()
	cfg := config.Default().Pipeline
	reg := ingress.NewRegistry(cfg, clk)
	disp := dispatch.New(cfg)
	srv := NewServer("127.0.0.1:0", reg, disp, clk)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	h := &harness{reg: reg, disp: disp, srv: srv, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func dial(t *testing.T, h *harness, streamID string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.srv.Addr().String())
	require.NoError(t, err)
	require.NoError(t, wire.WriteMessage(conn, wire.KindHello, wire.Hello{StreamID: streamID}))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHelloThenFramesReachIngress(t *testing.T) {
	h := startServer(t)
	conn := dial(t, h, "cam-a")

	fm := wire.FrameMessage{StreamID: "cam-a", Seq: 0, CapturedAt: time.Now().UnixNano(), Pixels: []byte{1, 2}}
	require.NoError(t, wire.WriteMessage(conn, wire.KindFrame, fm))

	require.Eventually(t, func() bool {
		st, ok := h.reg.Get("cam-a")
		return ok && st.Depth() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestResultsFlowBackToConnection(t *testing.T) {
	h := startServer(t)
	conn := dial(t, h, "cam-a")

	// Wait for the session to attach its outbound queue.
	require.Eventually(t, func() bool {
		_, ok := h.reg.Get("cam-a")
		return ok
	}, time.Second, 5*time.Millisecond)

	h.disp.Dispatch(frame.Result{
		StreamID: "cam-a",
		Seq:      3,
		Status:   frame.StatusOK,
		Detections: []frame.Detection{
			{Class: "person", Confidence: 0.8},
		},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, wire.KindResult, msg.Kind)
	rm, err := msg.Result()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rm.Seq)
	assert.Equal(t, "ok", rm.Status)
	require.Len(t, rm.Detections, 1)
}

func TestGoodbyeDrainsStream(t *testing.T) {
	h := startServer(t)
	conn := dial(t, h, "cam-a")

	require.Eventually(t, func() bool {
		_, ok := h.reg.Get("cam-a")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, wire.WriteMessage(conn, wire.KindGoodbye, wire.Goodbye{StreamID: "cam-a", Reason: "done"}))

	require.Eventually(t, func() bool {
		st, ok := h.reg.Get("cam-a")
		return ok && st.State() == ingress.StateDraining
	}, time.Second, 5*time.Millisecond)
}

func TestAbruptDisconnectDrainsStreamOnly(t *testing.T) {
	h := startServer(t)
	connA := dial(t, h, "cam-a")
	dial(t, h, "cam-b")

	require.Eventually(t, func() bool {
		_, okA := h.reg.Get("cam-a")
		_, okB := h.reg.Get("cam-b")
		return okA && okB
	}, time.Second, 5*time.Millisecond)

	connA.Close()

	require.Eventually(t, func() bool {
		st, ok := h.reg.Get("cam-a")
		return ok && st.State() == ingress.StateDraining
	}, time.Second, 5*time.Millisecond)

	st, ok := h.reg.Get("cam-b")
	require.True(t, ok)
	assert.Equal(t, ingress.StateActive, st.State())
}

// A session whose peer goes quiet leaves the read loop blocked in
// ReadMessage; shutdown must still complete promptly.
func TestServeStopsWithIdleSessionConnected(t *testing.T) {
	h := startServer(t)
	dial(t, h, "cam-a")

	require.Eventually(t, func() bool {
		_, ok := h.reg.Get("cam-a")
		return ok
	}, time.Second, 5*time.Millisecond)

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return with an idle session open")
	}
}

func TestNonHelloFirstMessageRejected(t *testing.T) {
	h := startServer(t)
	conn, err := net.Dial("tcp", h.srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fm := wire.FrameMessage{StreamID: "cam-a", Seq: 0}
	require.NoError(t, wire.WriteMessage(conn, wire.KindFrame, fm))

	// Server closes the connection without registering a stream.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = wire.ReadMessage(conn)
	require.Error(t, err)
	_, ok := h.reg.Get("cam-a")
	assert.False(t, ok)
}

func TestGoodbyeFirstMessageDoesNotRegisterStream(t *testing.T) {
	h := startServer(t)
	conn, err := net.Dial("tcp", h.srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// A Goodbye body decodes into the Hello shape too; the server must
	// reject it by envelope kind, not by whether decoding succeeds.
	gb := wire.Goodbye{StreamID: "cam-z", Reason: "done"}
	require.NoError(t, wire.WriteMessage(conn, wire.KindGoodbye, gb))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = wire.ReadMessage(conn)
	require.Error(t, err)
	_, ok := h.reg.Get("cam-z")
	assert.False(t, ok)
}

func TestClientSendAndReceive(t *testing.T) {
	h := startServer(t)

	c := NewClient(h.srv.Addr().String(), "cam-a", clock.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientDone := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(clientDone)
	}()

	require.Eventually(t, func() bool {
		return c.Send(frame.Frame{StreamID: "cam-a", Seq: 0, CapturedAt: time.Now(), Pixels: []byte{1}}) == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, ok := h.reg.Get("cam-a")
		return ok && st.Depth() == 1
	}, time.Second, 5*time.Millisecond)

	h.disp.Dispatch(frame.Result{StreamID: "cam-a", Seq: 0, Status: frame.StatusOK})

	select {
	case r := <-c.Results():
		assert.Equal(t, uint64(0), r.Seq)
		assert.Equal(t, frame.StatusOK, r.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no result received")
	}

	cancel()
	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := NewClient("127.0.0.1:1", "cam-a", clock.New())
	err := c.Send(frame.Frame{StreamID: "cam-a", Seq: 0})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientReconnectsAfterServerRestart(t *testing.T) {
	h := startServer(t)
	addr := h.srv.Addr().String()

	c := NewClient(addr, "cam-a", clock.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := h.reg.Get("cam-a")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// Kill the server; the client must come back once a new one listens on
	// the same address.
	h.cancel()
	<-h.done

	clk := clock.New()
	cfg := config.Default().Pipeline
	reg2 := ingress.NewRegistry(cfg, clk)
	srv2 := NewServer(addr, reg2, dispatch.New(cfg), clk)
	require.Eventually(t, func() bool {
		return srv2.Listen() == nil
	}, 5*time.Second, 50*time.Millisecond, "rebind freed address")

	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan struct{})
	go func() {
		srv2.Serve(ctx2)
		close(done2)
	}()
	defer func() {
		cancel2()
		<-done2
	}()

	require.Eventually(t, func() bool {
		_, ok := reg2.Get("cam-a")
		return ok
	}, 10*time.Second, 50*time.Millisecond, "client reconnected and re-sent hello")
}
