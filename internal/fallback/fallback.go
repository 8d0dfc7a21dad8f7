// Package fallback implements the direct-connection transport of spec.md
// §6: a gorilla/websocket link used when the bus is unavailable. The
// client side here is grounded on
// adred-codev-ws_poc/go-server/pkg/websocket/client.go's buffered
// send-channel-plus-read-pump shape, adapted from a broadcast relay client
// to a correlated request/response RPC client.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adred-codev/controlplane/internal/ctlerrors"
	"github.com/adred-codev/controlplane/internal/logging"
	"github.com/adred-codev/controlplane/internal/model"
	"github.com/adred-codev/controlplane/internal/wire"
)

// frameKind tags each fallback frame so the receiving end can dispatch
// without guessing from payload shape. This package holds only the
// agent-side client; the repository has no daemon-side acceptor for
// these frames.
type frameKind string

const (
	frameRegister     frameKind = "register"
	frameEvent        frameKind = "event"
	frameCommand      frameKind = "command"
	frameResponse     frameKind = "response"
	frameHeartbeat    frameKind = "heartbeat"
	frameHealthStatus frameKind = "health"
	frameMetrics      frameKind = "metrics"
	framePing         frameKind = "ping"
)

// Frame is the single envelope type carried over the fallback socket.
type Frame struct {
	Kind    frameKind
	Payload []byte
}

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = (pongTimeout * 9) / 10
)

// Transport is the capability the connection agent (C4) and diagnostics
// probe (C5) need from the fallback link.
type Transport interface {
	TestConnection(ctx context.Context) bool
	RegisterProcess(ctx context.Context, info model.ProcessInfo) error
	SendEvent(ctx context.Context, ev model.SystemEvent) error
	SendCommand(ctx context.Context, cmd model.Command) error
	SendCommandWithResponse(ctx context.Context, cmd model.Command) (model.Response, error)
	SendHeartbeat(ctx context.Context, hb model.Heartbeat) error
	SendHealthStatus(ctx context.Context, hs model.HealthStatus) error
	SendMetrics(ctx context.Context, m model.Metrics) error
	Close() error
}

// Client is the agent-side Transport implementation: one websocket
// connection, a buffered outbound queue drained by a single writer
// goroutine, and a reader goroutine that demuxes Response frames to
// whichever SendCommandWithResponse call is waiting on them.
type Client struct {
	addr string
	log  *logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan Frame
	pending  map[string]chan model.Response
	closed   bool
	closeErr error

	done chan struct{}
}

// NewClient dials addr (a ws:// or wss:// URL) and starts its pump
// goroutines. The connection is considered part of the fallback
// capability's lifecycle, not the agent's reconnect loop: callers use
// TestConnection/Close to manage it independently of the bus connection.
func NewClient(ctx context.Context, addr string, log *logging.Logger) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: fallback dial %s: %v", ctlerrors.ErrTransportUnavailable, addr, err)
	}

	c := &Client{
		addr:    addr,
		log:     log,
		conn:    conn,
		send:    make(chan Frame, 256),
		pending: make(map[string]chan model.Response),
		done:    make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// TestConnection reports whether the link is currently usable by racing a
// ping frame against a short deadline.
func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	select {
	case c.send <- Frame{Kind: framePing}:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

func (c *Client) RegisterProcess(ctx context.Context, info model.ProcessInfo) error {
	data, err := wire.Encode(info)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, Frame{Kind: frameRegister, Payload: data})
}

func (c *Client) SendEvent(ctx context.Context, ev model.SystemEvent) error {
	data, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, Frame{Kind: frameEvent, Payload: data})
}

func (c *Client) SendCommand(ctx context.Context, cmd model.Command) error {
	data, err := wire.Encode(cmd)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, Frame{Kind: frameCommand, Payload: data})
}

// SendCommandWithResponse registers a waiter keyed by CommandID before
// sending, and blocks until a matching Response frame arrives or ctx is
// done (spec.md §4.4's 30s default RPC timeout is the caller's ctx).
func (c *Client) SendCommandWithResponse(ctx context.Context, cmd model.Command) (model.Response, error) {
	wait := make(chan model.Response, 1)
	c.mu.Lock()
	c.pending[cmd.CommandID] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.CommandID)
		c.mu.Unlock()
	}()

	if err := c.SendCommand(ctx, cmd); err != nil {
		return model.Response{}, err
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-ctx.Done():
		return model.Response{}, fmt.Errorf("%w: command %s", ctlerrors.ErrTimeout, cmd.CommandID)
	case <-c.done:
		return model.Response{}, fmt.Errorf("%w: fallback link closed", ctlerrors.ErrTransportUnavailable)
	}
}

func (c *Client) SendHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	data, err := wire.Encode(hb)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, Frame{Kind: frameHeartbeat, Payload: data})
}

func (c *Client) SendHealthStatus(ctx context.Context, hs model.HealthStatus) error {
	data, err := wire.Encode(hs)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, Frame{Kind: frameHealthStatus, Payload: data})
}

func (c *Client) SendMetrics(ctx context.Context, m model.Metrics) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, Frame{Kind: frameMetrics, Payload: data})
}

func (c *Client) enqueue(ctx context.Context, f Frame) error {
	select {
	case c.send <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: fallback link closed", ctlerrors.ErrTransportUnavailable)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Warn("fallback write failed", "err", err.Error())
				c.teardown(err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.teardown(err)
			return
		}
		if f.Kind != frameResponse {
			continue
		}
		resp, err := wire.Decode[model.Response](f.Payload)
		if err != nil {
			c.log.Warn("fallback: malformed response frame", "err", err.Error())
			continue
		}
		c.mu.Lock()
		waiter, ok := c.pending[resp.CommandID]
		c.mu.Unlock()
		if ok {
			waiter <- resp
		}
	}
}

func (c *Client) teardown(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = cause
	close(c.done)
	_ = c.conn.Close()
}

// Close tears down the link. Idempotent.
func (c *Client) Close() error {
	c.teardown(nil)
	return c.closeErr
}
