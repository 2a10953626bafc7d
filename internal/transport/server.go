// SPDX-License-Identifier: MIT

// Package transport carries frames and results between capture clients and
// the inference server over length-prefixed msgpack envelopes on TCP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fovealabs/fovea/internal/dispatch"
	"github.com/fovealabs/fovea/internal/ingress"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/metrics"
	"github.com/fovealabs/fovea/internal/wire"
)

// Server accepts capture client connections. Each connection carries exactly
// one stream, opened by a Hello and torn down by a Goodbye or a connection
// error. A misbehaving connection only ever takes down its own stream.
type Server struct {
	addr   string
	reg    *ingress.Registry
	disp   *dispatch.Dispatcher
	clk    clock.Clock
	logger zerolog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a server. Call Listen before Serve so bind failures
// surface during startup rather than mid-flight.
func NewServer(addr string, reg *ingress.Registry, disp *dispatch.Dispatcher, clk clock.Clock) *Server {
	return &Server{
		addr:   addr,
		reg:    reg,
		disp:   disp,
		clk:    clk,
		logger: log.WithComponent("transport"),
	}
}

// Listen binds the TCP listener.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info().
		Str(log.FieldListenAddr, ln.Addr().String()).
		Str(log.FieldEvent, "transport.listening").
		Msg("stream transport listening")
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the accept loop until ctx is done, then closes the listener
// and waits for all sessions to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("transport: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// handle runs one connection end to end.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.logger.With().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldRemoteAddr, conn.RemoteAddr().String()).
		Logger()

	// The session starts with a Hello naming the stream.
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		metrics.Connections.WithLabelValues("rejected").Inc()
		logger.Warn().Err(err).Msg("connection closed before hello")
		return
	}
	hello, err := msg.Hello()
	if err != nil {
		metrics.Connections.WithLabelValues("rejected").Inc()
		logger.Warn().Err(err).Msg("first message was not a hello")
		return
	}

	stream, err := s.reg.Register(hello.StreamID)
	if err != nil {
		metrics.Connections.WithLabelValues("rejected").Inc()
		logger.Warn().
			Err(err).
			Str(log.FieldStreamID, hello.StreamID).
			Msg("stream registration rejected")
		return
	}
	metrics.Connections.WithLabelValues("accepted").Inc()
	metrics.MessagesReceived.WithLabelValues(wire.KindHello.String()).Inc()

	logger = logger.With().Str(log.FieldStreamID, hello.StreamID).Logger()
	logger.Info().Str(log.FieldEvent, "session.opened").Msg("stream session opened")

	outbound := s.disp.Attach(hello.StreamID)
	defer s.disp.Detach(hello.StreamID)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ReadMessage has no deadline of its own; closing the conn is the only
	// way to unblock the read loop on shutdown.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		s.writeLoop(sessCtx, conn, outbound, logger)
	}()

	reason := s.readLoop(sessCtx, conn, stream, logger)

	// The read loop decides the stream's fate; the write loop just stops.
	s.reg.Drain(hello.StreamID, reason)
	cancel()
	writers.Wait()

	logger.Info().
		Str(log.FieldReason, reason).
		Str(log.FieldEvent, "session.closed").
		Msg("stream session closed")
}

// readLoop decodes inbound messages until goodbye, error, or shutdown, and
// returns the teardown reason.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, stream *ingress.Stream, logger zerolog.Logger) string {
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			if ctx.Err() != nil {
				return "shutdown"
			}
			if errors.Is(err, io.EOF) {
				return "disconnect"
			}
			logger.Warn().Err(err).Msg("read failed")
			return "read_error"
		}
		metrics.MessagesReceived.WithLabelValues(msg.Kind.String()).Inc()

		switch msg.Kind {
		case wire.KindFrame:
			fm, err := msg.Frame()
			if err != nil {
				logger.Warn().Err(err).Msg("malformed frame message")
				return "decode_error"
			}
			f := wire.FrameFromMessage(fm, s.clk.Now())
			stream.Touch(s.clk.Now())
			if _, err := s.reg.Enqueue(f); err != nil {
				logger.Warn().Err(err).Msg("enqueue failed")
				return "stream_closed"
			}

		case wire.KindGoodbye:
			gb, err := msg.Goodbye()
			if err != nil {
				return "decode_error"
			}
			logger.Debug().Str(log.FieldReason, gb.Reason).Msg("goodbye received")
			return "goodbye"

		default:
			logger.Warn().Str("kind", msg.Kind.String()).Msg("unexpected message kind")
			return "protocol_error"
		}
	}
}

// writeLoop drains the stream's outbound queue onto the connection.
func (s *Server) writeLoop(ctx context.Context, conn net.Conn, outbound *dispatch.Queue, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-outbound.Ready():
		}
		for {
			r, ok := outbound.Pop()
			if !ok {
				break
			}
			if err := wire.WriteMessage(conn, wire.KindResult, wire.MessageFromResult(r)); err != nil {
				logger.Warn().Err(err).Msg("result write failed")
				return
			}
			metrics.MessagesSent.WithLabelValues(wire.KindResult.String()).Inc()
		}
	}
}
