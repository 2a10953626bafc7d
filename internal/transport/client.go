// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/fovealabs/fovea/internal/frame"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/metrics"
	"github.com/fovealabs/fovea/internal/wire"
)

const (
	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 30 * time.Second
)

// ErrNotConnected is returned by Send while the client is between
// connections. The frame is simply not delivered; capture keeps going.
var ErrNotConnected = errors.New("transport: not connected")

// Client maintains one stream's connection to the server, reconnecting
// with exponential backoff. Sequence numbers belong to the stream, not the
// connection, so a reconnect continues where capture left off.
type Client struct {
	addr     string
	streamID string
	clk      clock.Clock
	logger   zerolog.Logger

	mu   sync.Mutex
	conn net.Conn

	results chan frame.Result
}

// NewClient creates a client for one stream.
func NewClient(addr, streamID string, clk clock.Clock) *Client {
	return &Client{
		addr:     addr,
		streamID: streamID,
		clk:      clk,
		logger:   log.WithStream("transport", streamID),
		results:  make(chan frame.Result, 64),
	}
}

// Results delivers inference results as they arrive. The channel is closed
// when Run returns.
func (c *Client) Results() <-chan frame.Result {
	return c.results
}

// Run keeps the connection alive until ctx is done: dial, hello, then read
// results until the connection breaks, then back off and retry.
func (c *Client) Run(ctx context.Context) {
	defer close(c.results)

	backoff := reconnectInitial
	for ctx.Err() == nil {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.Reconnects.WithLabelValues("failure").Inc()
			c.logger.Warn().
				Err(err).
				Dur("backoff", backoff).
				Msg("connect failed")
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		metrics.Reconnects.WithLabelValues("success").Inc()
		backoff = reconnectInitial
		c.setConn(conn)
		c.logger.Info().Str(log.FieldEvent, "client.connected").Msg("connected")

		// Closing the conn is the only way to unblock the result read on
		// shutdown.
		connCtx, connDone := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()

		err = c.readResults(conn)
		connDone()
		c.setConn(nil)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("connection lost")
	}
}

// Send writes one frame on the current connection. Failure means this frame
// is not delivered; the caller moves on to the next one.
func (c *Client) Send(f frame.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := wire.WriteMessage(conn, wire.KindFrame, wire.MessageFromFrame(f)); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(wire.KindFrame.String()).Inc()
	return nil
}

// Goodbye tells the server the stream is ending cleanly. Best effort; a
// broken connection just skips it.
func (c *Client) Goodbye(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := wire.WriteMessage(conn, wire.KindGoodbye, wire.Goodbye{StreamID: c.streamID, Reason: reason}); err == nil {
		metrics.MessagesSent.WithLabelValues(wire.KindGoodbye.String()).Inc()
	}
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteMessage(conn, wire.KindHello, wire.Hello{StreamID: c.streamID}); err != nil {
		conn.Close()
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(wire.KindHello.String()).Inc()
	return conn, nil
}

func (c *Client) readResults(conn net.Conn) error {
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return err
		}
		if msg.Kind != wire.KindResult {
			c.logger.Warn().Str("kind", msg.Kind.String()).Msg("unexpected message kind")
			continue
		}
		rm, err := msg.Result()
		if err != nil {
			return err
		}
		metrics.MessagesReceived.WithLabelValues(wire.KindResult.String()).Inc()
		select {
		case c.results <- wire.ResultFromMessage(rm):
		default:
			// Consumer not keeping up; drop rather than stall the read.
		}
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := c.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
