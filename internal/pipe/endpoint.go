package pipe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/anthropics/relayproxy/internal/flow"
	"github.com/anthropics/relayproxy/internal/httpmsg"
	"github.com/anthropics/relayproxy/internal/httpparse"
	"github.com/anthropics/relayproxy/internal/redact"
	"github.com/anthropics/relayproxy/internal/reporting"
)

const readBufferSize = 64 * 1024

// FlowFactory builds the flow tree that should handle req. It is invoked
// fresh for every request an input endpoint receives, so per-request
// state never leaks between exchanges; most implementations ignore req
// and return the same prebuilt tree.
type FlowFactory func(req *httpmsg.Request) *flow.Flow

// endpoint is the common interface Dispatcher drives. InputEndpoint and
// OutputEndpoint each implement it with opposite halves of one exchange:
// an input endpoint originates a Processing from a request, an output
// endpoint resumes one with a response.
type endpoint interface {
	Name() string
	ReadLoop(onMessage func(httpmsg.Any) error) error
	OnReceived(msg httpmsg.Any) (*Processing, Outcome, error)
	Send(msg httpmsg.Any, p *Processing) error
	Close() error
}

// base holds what every endpoint needs regardless of direction: a live
// connection, an incremental parser fed from it, and a logger.
type base struct {
	name   string
	conn   net.Conn
	parser *httpparse.Parser
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newBase(name string, conn net.Conn, logger *slog.Logger) *base {
	return &base{
		name:   name,
		conn:   conn,
		parser: httpparse.New(),
		logger: logger,
	}
}

func (b *base) Name() string { return b.name }

// ReadLoop feeds bytes read from the connection into the parser and
// invokes onMessage for each message it completes, until the connection
// is closed (clean EOF feeds a final nil to the parser, flushing any
// until-EOF-framed body) or an error occurs.
func (b *base) ReadLoop(onMessage func(httpmsg.Any) error) error {
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := b.conn.Read(buf)
		if n > 0 {
			if err := b.feed(buf[:n], onMessage); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return b.feed(nil, onMessage)
			}
			return readErr
		}
	}
}

func (b *base) feed(data []byte, onMessage func(httpmsg.Any) error) error {
	msgs, err := b.parser.Feed(data)
	if err != nil {
		return fmt.Errorf("pipe: endpoint %q: %w", b.name, err)
	}
	for _, msg := range msgs {
		if err := onMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *base) write(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err := b.conn.Write(data)
	return err
}

func (b *base) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.conn.Close()
		b.logger.Info("connection closed", "endpoint", b.name)
	})
	return err
}

// InputEndpoint is the client-facing side of a dispatcher: each request it
// reads starts a fresh Processing by invoking flowFactory, and each
// response it is asked to send is the final answer for that Processing.
type InputEndpoint struct {
	*base
	ctx      context.Context
	flowFn   FlowFactory
	listener reporting.MessageListener
	redactor *redact.Redactor
}

func newInputEndpoint(ctx context.Context, name string, conn net.Conn, flowFn FlowFactory, listener reporting.MessageListener, redactor *redact.Redactor, logger *slog.Logger) *InputEndpoint {
	return &InputEndpoint{
		base:     newBase(name, conn, logger),
		ctx:      ctx,
		flowFn:   flowFn,
		listener: listener,
		redactor: redactor,
	}
}

// OnReceived starts a new Processing for the request msg carries.
func (e *InputEndpoint) OnReceived(msg httpmsg.Any) (*Processing, Outcome, error) {
	req, ok := msg.(*httpmsg.Request)
	if !ok {
		return nil, Outcome{}, fmt.Errorf("pipe: input endpoint %q: expected a request, got %T", e.name, msg)
	}

	tree := e.flowFn(req)
	coro := tree.Start(e.ctx, req)
	p := newProcessing(e.name, coro, e.listener, e.redactor)
	p.LogRequest(e.name, req)

	outcome, err := p.advance(nil)
	return p, outcome, err
}

// Send writes the final response for p's exchange back to the client.
func (e *InputEndpoint) Send(msg httpmsg.Any, p *Processing) error {
	resp, ok := msg.(*httpmsg.Response)
	if !ok {
		return fmt.Errorf("pipe: input endpoint %q: asked to send a non-response %T", e.name, msg)
	}
	p.LogResponse(e.name, resp)
	return e.write(resp.Serialize())
}

// OutputEndpoint is an upstream-facing side of a dispatcher: it keeps a
// FIFO of the Processing instances awaiting a reply, since HTTP/1.1
// responses on a single connection arrive in the order their requests
// were sent.
type OutputEndpoint struct {
	*base

	mu      sync.Mutex
	pending []*Processing
}

func newOutputEndpoint(name string, conn net.Conn, logger *slog.Logger) *OutputEndpoint {
	return &OutputEndpoint{base: newBase(name, conn, logger)}
}

// Send writes req to the upstream connection and enqueues p to be resumed
// when the paired response arrives.
func (e *OutputEndpoint) Send(msg httpmsg.Any, p *Processing) error {
	req, ok := msg.(*httpmsg.Request)
	if !ok {
		return fmt.Errorf("pipe: output endpoint %q: asked to send a non-request %T", e.name, msg)
	}
	e.mu.Lock()
	e.pending = append(e.pending, p)
	e.mu.Unlock()

	p.LogRequest(e.name, req)
	return e.write(req.Serialize())
}

// OnReceived resumes the oldest pending Processing with the response msg
// carries.
func (e *OutputEndpoint) OnReceived(msg httpmsg.Any) (*Processing, Outcome, error) {
	resp, ok := msg.(*httpmsg.Response)
	if !ok {
		return nil, Outcome{}, fmt.Errorf("pipe: output endpoint %q: expected a response, got %T", e.name, msg)
	}

	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return nil, Outcome{}, fmt.Errorf("pipe: output endpoint %q: received a response with nothing pending", e.name)
	}
	p := e.pending[0]
	e.pending = e.pending[1:]
	e.mu.Unlock()

	p.LogResponse(e.name, resp)
	outcome, err := p.advance(resp)
	return p, outcome, err
}
