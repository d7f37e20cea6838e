package msgrpc

import (
	"bufio"
	"fmt"
	"net"

	"github.com/vmihailenco/msgpack/v5"
)

// MessagePack-RPC frame types.
const (
	frameRequest      = 0
	frameResponse     = 1
	frameNotification = 2
)

// frame is one decoded inbound message. Responses populate id, errPayload
// and result; notifications populate method and params.
type frame struct {
	kind       int
	id         uint32
	method     string
	errPayload any
	result     any
	params     []any
}

// codec frames MessagePack-RPC messages on a stream connection. Reads are
// single-threaded (the client's read loop); writes are serialized by the
// caller.
type codec struct {
	conn net.Conn
	bw   *bufio.Writer
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
}

func newCodec(conn net.Conn) *codec {
	bw := bufio.NewWriter(conn)
	return &codec{
		conn: conn,
		bw:   bw,
		enc:  msgpack.NewEncoder(bw),
		dec:  msgpack.NewDecoder(bufio.NewReader(conn)),
	}
}

// writeRequest emits [0, id, method, args].
func (c *codec) writeRequest(id uint32, method string, args []any) error {
	if err := c.enc.Encode([]any{frameRequest, id, method, args}); err != nil {
		return err
	}
	return c.bw.Flush()
}

// readFrame decodes the next inbound message. A malformed frame is a decode
// error and poisons the connection; the caller closes it.
func (c *codec) readFrame() (*frame, error) {
	n, err := c.dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	kind, err := c.dec.DecodeInt()
	if err != nil {
		return nil, fmt.Errorf("decode frame type: %w", err)
	}

	switch {
	case kind == frameResponse && n == 4:
		return c.readResponse()
	case kind == frameNotification && n == 3:
		return c.readNotification()
	case kind == frameRequest && n == 4:
		return c.readRequest()
	default:
		return nil, fmt.Errorf("decode frame: unexpected shape [type=%d len=%d]", kind, n)
	}
}

func (c *codec) readResponse() (*frame, error) {
	id, err := c.dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode response id: %w", err)
	}
	errPayload, err := c.dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("decode response error: %w", err)
	}
	result, err := c.dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("decode response result: %w", err)
	}
	return &frame{kind: frameResponse, id: id, errPayload: errPayload, result: result}, nil
}

func (c *codec) readNotification() (*frame, error) {
	method, err := c.dec.DecodeString()
	if err != nil {
		return nil, fmt.Errorf("decode notification method: %w", err)
	}
	params, err := c.readParams()
	if err != nil {
		return nil, fmt.Errorf("decode notification params: %w", err)
	}
	return &frame{kind: frameNotification, method: method, params: params}, nil
}

// readRequest drains a server-to-client request so the stream stays in sync;
// the client logs and drops it.
func (c *codec) readRequest() (*frame, error) {
	id, err := c.dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode request id: %w", err)
	}
	method, err := c.dec.DecodeString()
	if err != nil {
		return nil, fmt.Errorf("decode request method: %w", err)
	}
	params, err := c.readParams()
	if err != nil {
		return nil, fmt.Errorf("decode request params: %w", err)
	}
	return &frame{kind: frameRequest, id: id, method: method, params: params}, nil
}

func (c *codec) readParams() ([]any, error) {
	v, err := c.dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, err
	}
	switch params := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return params, nil
	default:
		return []any{params}, nil
	}
}
