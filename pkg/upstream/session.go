package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/GSauceFries25/PlexMCP-OSS-sub001/pkg/protocol"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewSessionClient returns a Client that runs over a long-lived bidirectional
// connection. The transport is connected lazily by the first call.
func NewSessionClient(name string, transport mcp.Transport, opts *ClientOptions) Client {
	return newSessionClient(name, transport, opts.withDefaults(), nil)
}

// newSessionClient is NewSessionClient with a hook that observes the
// negotiated protocol version.
func newSessionClient(name string, transport mcp.Transport, opts ClientOptions, onNegotiated func(string)) *client {
	conn := newSessionConn(name, transport, opts)
	conn.onNegotiated = onNegotiated
	return newClient(name, conn, opts, conn.progress)
}

func newSessionConn(name string, transport mcp.Transport, opts ClientOptions) *sessionConn {
	return &sessionConn{
		name:      name,
		transport: transport,
		opts:      opts,
		progress:  newProgressTracker(opts.Logger),
		pending:   make(map[jsonrpc.ID]chan *jsonrpc.Response),
	}
}

// sessionConn multiplexes concurrent calls over one mcp.Connection. A single
// reader goroutine owns Read and hands responses to waiters by id.
type sessionConn struct {
	name      string
	transport mcp.Transport
	opts      ClientOptions
	progress  *progressTracker

	onNegotiated func(string)

	nextID atomic.Int64

	mu      sync.Mutex
	conn    mcp.Connection
	pending map[jsonrpc.ID]chan *jsonrpc.Response
	done    chan struct{}
	broken  error
	closed  bool

	writeMu sync.Mutex
}

func (s *sessionConn) connect(ctx context.Context) (mcp.Connection, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, protocol.NewError(protocol.KindTransport, s.name, "client closed")
	}
	if s.broken != nil {
		return nil, nil, s.broken
	}
	if s.conn != nil {
		return s.conn, s.done, nil
	}
	// The connection outlives the call that opened it.
	conn, err := s.transport.Connect(context.WithoutCancel(ctx))
	if err != nil {
		return nil, nil, protocol.WrapError(protocol.KindTransport, s.name, fmt.Errorf("connect: %w", err))
	}
	s.conn = conn
	s.done = make(chan struct{})
	go s.readLoop(conn, s.done)
	return conn, s.done, nil
}

func (s *sessionConn) newID() jsonrpc.ID {
	id, _ := jsonrpc.MakeID(fmt.Sprintf("gw-%d", s.nextID.Add(1)))
	return id
}

func (s *sessionConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, done, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindProtocol, s.name, err)
	}
	id := s.newID()
	ch := make(chan *jsonrpc.Response, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(ctx, conn, &jsonrpc.Request{ID: id, Method: method, Params: raw}); err != nil {
		s.forget(id)
		if ctx.Err() != nil {
			return nil, deadlineError(ctx, s.name)
		}
		return nil, protocol.WrapError(protocol.KindTransport, s.name, fmt.Errorf("write %s: %w", method, err))
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, remoteError(s.name, resp.Error)
		}
		return resp.Result, nil
	case <-done:
		s.forget(id)
		return nil, s.brokenErr()
	case <-ctx.Done():
		s.forget(id)
		s.cancelRemote(conn, id, ctx.Err())
		return nil, deadlineError(ctx, s.name)
	}
}

func (s *sessionConn) notify(ctx context.Context, method string, params any) error {
	conn, _, err := s.connect(ctx)
	if err != nil {
		return err
	}
	raw, err := encodeParams(params)
	if err != nil {
		return protocol.WrapError(protocol.KindProtocol, s.name, err)
	}
	if err := s.write(ctx, conn, &jsonrpc.Request{Method: method, Params: raw}); err != nil {
		return protocol.WrapError(protocol.KindTransport, s.name, fmt.Errorf("write %s: %w", method, err))
	}
	return nil
}

func (s *sessionConn) negotiated(version string) {
	if s.onNegotiated != nil {
		s.onNegotiated(version)
	}
}

func (s *sessionConn) write(ctx context.Context, conn mcp.Connection, msg jsonrpc.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.Write(ctx, msg)
}

// cancelRemote tells the upstream to stop working on id. Failure is ignored.
func (s *sessionConn) cancelRemote(conn mcp.Connection, id jsonrpc.ID, reason error) {
	raw, err := json.Marshal(protocol.CancelledParams{RequestID: id.Raw(), Reason: reason.Error()})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.CancelTimeout)
		defer cancel()
		if err := s.write(ctx, conn, &jsonrpc.Request{Method: protocol.MethodCancelled, Params: raw}); err != nil {
			s.opts.Logger.Debug("send cancellation failed", "upstream", s.name, "error", err)
		}
	}()
}

func (s *sessionConn) forget(id jsonrpc.ID) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *sessionConn) brokenErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return s.broken
	}
	return protocol.NewError(protocol.KindTransport, s.name, "connection closed")
}

func (s *sessionConn) readLoop(conn mcp.Connection, done chan struct{}) {
	ctx := context.Background()
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			s.fail(err, done)
			return
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			s.deliver(m)
		case *jsonrpc.Request:
			s.handleIncoming(ctx, conn, m)
		}
	}
}

func (s *sessionConn) deliver(resp *jsonrpc.Response) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	delete(s.pending, resp.ID)
	s.mu.Unlock()
	if !ok {
		s.opts.Logger.Debug("discarding response with unknown id", "upstream", s.name, "id", resp.ID.Raw())
		return
	}
	ch <- resp
}

func (s *sessionConn) handleIncoming(ctx context.Context, conn mcp.Connection, req *jsonrpc.Request) {
	if !req.IsCall() {
		if req.Method == protocol.MethodProgress {
			s.progress.dispatch(ctx, s.name, req.Params)
		}
		return
	}
	resp := &jsonrpc.Response{ID: req.ID}
	if req.Method == protocol.MethodPing {
		resp.Result = json.RawMessage("{}")
	} else {
		resp.Error = fmt.Errorf("method not found: %s", req.Method)
	}
	if err := s.write(ctx, conn, resp); err != nil {
		s.opts.Logger.Debug("answer upstream request failed", "upstream", s.name, "method", req.Method, "error", err)
	}
}

// fail marks the connection broken and wakes every waiter. Later calls see
// the same error until the client is replaced. Bytes that do not decode as
// JSON-RPC are a ProtocolError; everything else is a TransportError.
func (s *sessionConn) fail(cause error, done chan struct{}) {
	s.mu.Lock()
	if s.broken == nil {
		switch {
		case s.closed || errors.Is(cause, io.EOF):
			s.broken = protocol.NewError(protocol.KindTransport, s.name, "connection closed")
		case isDecodeError(cause):
			s.broken = protocol.WrapError(protocol.KindProtocol, s.name, fmt.Errorf("%w: malformed message: %w", ErrConnectionBroken, cause))
		default:
			s.broken = protocol.WrapError(protocol.KindTransport, s.name, cause)
		}
	}
	clear(s.pending)
	closed := s.closed
	s.mu.Unlock()
	close(done)
	if !closed {
		s.opts.Logger.Warn("upstream connection lost", "upstream", s.name, "error", cause)
	}
}

// isDecodeError reports whether a Read failure came from undecodable bytes
// rather than a broken pipe. The SDK transports flatten some decode errors
// into strings, so their wording is matched too.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range decodeErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var decodeErrorMarkers = []string{
	"unmarshaling jsonrpc message",
	"failed to decode",
	"invalid message version tag",
	"invalid trailing data",
	"invalid request",
}

func (s *sessionConn) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}
