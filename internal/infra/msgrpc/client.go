// Package msgrpc is a MessagePack-RPC client over a local stream socket.
// One Client serves many concurrent callers on a single connection; requests
// are tagged with a message id and matched to responses by a background read
// loop. Server-initiated notifications are dispatched, in arrival order, to
// handlers registered per notification name.
package msgrpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gsunapoleonchen/kong/internal/domain"
)

// NotificationHandler is invoked from the read loop for a server-to-client
// notification. The client is passed first so handlers can key per-client
// state, such as the last observed server pid.
type NotificationHandler func(c *Client, params []any)

type callResult struct {
	result any
	err    error
}

// Client is one connection to a plugin server. Safe for concurrent use.
// There is no automatic reconnect; the supervisor opens a fresh Client after
// a respawn.
type Client struct {
	codec  *codec
	logger *zap.Logger

	writeMu sync.Mutex

	nextID atomic.Uint32

	mu       sync.Mutex
	pending  map[uint32]chan callResult
	handlers map[string]NotificationHandler

	closeOnce sync.Once
	done      chan struct{}
}

type ClientOptions struct {
	Logger *zap.Logger
}

// Dial connects to a MessagePack-RPC server on a UNIX stream socket.
func Dial(ctx context.Context, socketPath string, opts ClientOptions) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return NewClient(conn, opts), nil
}

// NewClient wraps an established connection. Used directly by tests; the
// supervisor goes through Dial.
func NewClient(conn net.Conn, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		codec:    newCodec(conn),
		logger:   logger,
		pending:  make(map[uint32]chan callResult),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and blocks until the matching response arrives, the
// context is done, or the transport closes.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	if c.isClosed() {
		return nil, domain.ErrTransportClosed
	}
	id := c.nextID.Add(1)

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	c.pending[id] = resultCh
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.codec.writeRequest(id, method, args)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// OnNotification registers a handler for a named server notification.
// Registration after Close is a no-op.
func (c *Client) OnNotification(name string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		return
	}
	c.handlers[name] = handler
}

// Close shuts the connection and fails every outstanding call with
// ErrTransportClosed. Idempotent.
func (c *Client) Close() error {
	return c.closeWith(domain.ErrTransportClosed)
}

func (c *Client) closeWith(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.codec.conn.Close()
		c.failPending(cause)
	})
	return err
}

// Done is closed when the client is no longer usable, whether by Close or
// by the connection dying under the read loop.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) removePending(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.handlers = nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *Client) readLoop() {
	for {
		frame, err := c.codec.readFrame()
		if err != nil {
			if !c.isClosed() {
				c.logger.Debug("read loop ended", zap.Error(err))
			}
			// Callers still match on ErrTransportClosed; the cause keeps
			// the decode or I/O detail visible.
			c.closeWith(fmt.Errorf("%w: %v", domain.ErrTransportClosed, err))
			return
		}
		switch frame.kind {
		case frameResponse:
			c.dispatchResponse(frame)
		case frameNotification:
			c.dispatchNotification(frame)
		case frameRequest:
			// The plugin protocol has no server-to-client requests;
			// notifications carry everything the server pushes.
			c.logger.Warn("dropping unexpected server request",
				zap.String("method", frame.method))
		}
	}
}

func (c *Client) dispatchResponse(frame *frame) {
	var err error
	if frame.errPayload != nil {
		err = &RemoteError{Payload: frame.errPayload}
	}
	c.mu.Lock()
	ch := c.pending[frame.id]
	delete(c.pending, frame.id)
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("drop response with no pending call", zap.Uint32("id", frame.id))
		return
	}
	ch <- callResult{result: frame.result, err: err}
}

func (c *Client) dispatchNotification(frame *frame) {
	c.mu.Lock()
	handler := c.handlers[frame.method]
	c.mu.Unlock()
	if handler == nil {
		c.logger.Debug("no handler for notification", zap.String("method", frame.method))
		return
	}
	handler(c, frame.params)
}

// RemoteError carries the error payload of a MessagePack-RPC response.
type RemoteError struct {
	Payload any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %v", e.Payload)
}
