package msgrpc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/gsunapoleonchen/kong/internal/domain"
)

// fakeServer speaks raw MessagePack-RPC on the far end of a net.Pipe.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
	dec  *msgpack.Decoder

	writeMu sync.Mutex
}

func newFakeServer(t *testing.T) (*fakeServer, *Client) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	srv := &fakeServer{
		t:    t,
		conn: serverConn,
		dec:  msgpack.NewDecoder(bufio.NewReader(serverConn)),
	}
	client := NewClient(clientConn, ClientOptions{Logger: zap.NewNop()})
	t.Cleanup(func() {
		_ = client.Close()
		_ = serverConn.Close()
	})
	return srv, client
}

type receivedCall struct {
	id     uint32
	method string
	args   []any
}

func (s *fakeServer) readCall() receivedCall {
	s.t.Helper()
	var raw []any
	require.NoError(s.t, s.dec.Decode(&raw))
	require.Len(s.t, raw, 4)
	call := receivedCall{method: raw[2].(string)}
	switch id := raw[1].(type) {
	case uint32:
		call.id = id
	case int64:
		call.id = uint32(id)
	case uint64:
		call.id = uint32(id)
	case int8:
		call.id = uint32(id)
	case uint8:
		call.id = uint32(id)
	default:
		s.t.Fatalf("unexpected id type %T", raw[1])
	}
	if args, ok := raw[3].([]any); ok {
		call.args = args
	}
	return call
}

func (s *fakeServer) respond(id uint32, errPayload, result any) {
	s.t.Helper()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	enc := msgpack.NewEncoder(s.conn)
	require.NoError(s.t, enc.Encode([]any{1, id, errPayload, result}))
}

func (s *fakeServer) notify(method string, params []any) {
	s.t.Helper()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	enc := msgpack.NewEncoder(s.conn)
	require.NoError(s.t, enc.Encode([]any{2, method, params}))
}

func TestClientCallRoundTrip(t *testing.T) {
	srv, client := newFakeServer(t)

	go func() {
		call := srv.readCall()
		srv.respond(call.id, nil, map[string]any{"Id": "inst-1"})
	}()

	result, err := client.Call(context.Background(), "plugin.StartInstance",
		map[string]any{"Name": "p"})
	require.NoError(t, err)
	payload, ok := result.(map[string]any)
	require.True(t, ok, "result type %T", result)
	require.Equal(t, "inst-1", payload["Id"])
}

func TestClientConcurrentCallsMatchByID(t *testing.T) {
	srv, client := newFakeServer(t)

	// Respond out of order: hold the first call's response until the
	// second arrived, then answer second-first.
	go func() {
		first := srv.readCall()
		second := srv.readCall()
		srv.respond(second.id, nil, "second")
		srv.respond(first.id, nil, "first")
	}()

	var wg sync.WaitGroup
	results := make([]any, 2)
	errs := make([]error, 2)
	for i, method := range []string{"a.first", "a.second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = client.Call(context.Background(), method)
		}()
		// Order the two writes so the server can tell them apart.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, "first", results[0])
	require.Equal(t, "second", results[1])
}

func TestClientRemoteError(t *testing.T) {
	srv, client := newFakeServer(t)

	go func() {
		call := srv.readCall()
		srv.respond(call.id, "No plugin instance: 7", nil)
	}()

	_, err := client.Call(context.Background(), "plugin.HandleEvent")
	require.Error(t, err)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "No plugin instance: 7", remote.Payload)
}

func TestClientNotificationDispatch(t *testing.T) {
	srv, client := newFakeServer(t)

	got := make(chan []any, 1)
	client.OnNotification("serverPid", func(c *Client, params []any) {
		require.Same(t, client, c)
		got <- params
	})

	srv.notify("serverPid", []any{int64(4242)})

	select {
	case params := <-got:
		require.Len(t, params, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestClientCloseFailsPending(t *testing.T) {
	srv, client := newFakeServer(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "plugin.HandleEvent")
		errCh <- err
	}()
	srv.readCall()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close is idempotent")

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, domain.ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not drained on close")
	}

	_, err := client.Call(context.Background(), "plugin.HandleEvent")
	require.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestClientServerDisconnectFailsPending(t *testing.T) {
	srv, client := newFakeServer(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "plugin.HandleEvent")
		errCh <- err
	}()
	srv.readCall()
	require.NoError(t, srv.conn.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.True(t, errors.Is(err, domain.ErrTransportClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not drained on disconnect")
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not report closed")
	}
}
