package pipe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anthropics/relayproxy/internal/httpmsg"
	"github.com/anthropics/relayproxy/internal/redact"
	"github.com/anthropics/relayproxy/internal/reporting"
)

// connectTimeout bounds how long a Dispatcher waits to open an upstream
// connection before failing the whole exchange.
const connectTimeout = 5 * time.Second

// Dispatcher owns every endpoint for one accepted client connection: the
// input endpoint reading the client's requests, and a fresh output
// endpoint per upstream, dialed anew for this client. It routes messages
// between them until every connection closes.
type Dispatcher struct {
	ctx      context.Context
	def      FlowDefinition
	listener reporting.MessageListener
	redactor *redact.Redactor
	logger   *slog.Logger
	finish   func(*Dispatcher)

	mu        sync.Mutex
	endpoints map[string]endpoint
}

func newDispatcher(ctx context.Context, def FlowDefinition, listener reporting.MessageListener, redactor *redact.Redactor, logger *slog.Logger, finish func(*Dispatcher)) *Dispatcher {
	return &Dispatcher{
		ctx:       ctx,
		def:       def,
		listener:  listener,
		redactor:  redactor,
		logger:    logger,
		finish:    finish,
		endpoints: make(map[string]endpoint),
	}
}

// handleClient wires conn up as the named input endpoint, dials a fresh
// connection for every output endpoint, and runs the dispatch loop until
// every connection closes. If an upstream cannot be reached, a
// synthesized 500 is written directly to the client and the connection is
// torn down — there is no flow to route through yet.
func (d *Dispatcher) handleClient(inputName string, conn net.Conn) {
	defer d.closeAll()
	defer func() {
		if d.finish != nil {
			d.finish(d)
		}
	}()

	in := newInputEndpoint(d.ctx, inputName, conn, d.def.Flow(inputName), d.listener, d.redactor, d.logger)
	d.mu.Lock()
	d.endpoints[inputName] = in
	d.mu.Unlock()

	for _, spec := range d.def.Endpoints() {
		if spec.Kind != KindOutput {
			continue
		}
		outConn, err := net.DialTimeout("tcp", spec.Address, connectTimeout)
		if err != nil {
			d.logger.Error("connect to upstream failed", "endpoint", spec.Name, "address", spec.Address, "err", err)
			writeConnectError(conn, spec, err)
			return
		}
		d.logger.Info("connected to upstream", "endpoint", spec.Name, "address", spec.Address)
		d.mu.Lock()
		d.endpoints[spec.Name] = newOutputEndpoint(spec.Name, outConn, d.logger)
		d.mu.Unlock()
	}

	d.loop()
}

func writeConnectError(conn net.Conn, spec EndpointSpec, cause error) {
	body := fmt.Sprintf("Internal proxy error:\nconnecting to %s (%s): %s\n", spec.Name, spec.Address, cause)
	resp := httpmsg.NewResponse("502", "Bad Gateway", []byte(body))
	conn.Write(resp.Serialize())
	conn.Close()
}

// loop runs every endpoint's read loop concurrently until all of them
// return, which happens once any one connection closes and propagates
// through closeAll.
func (d *Dispatcher) loop() {
	d.mu.Lock()
	endpoints := make([]endpoint, 0, len(d.endpoints))
	for _, e := range d.endpoints {
		endpoints = append(endpoints, e)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range endpoints {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.ReadLoop(func(msg httpmsg.Any) error { return d.dispatch(e, msg) }); err != nil {
				d.logger.Debug("endpoint read loop ended", "endpoint", e.Name(), "err", err)
			}
			d.closeAll()
		}()
	}
	wg.Wait()
}

// dispatch performs one on_received/send step. Holding dispatchMu for the
// duration makes the step atomic with respect to every other endpoint's
// read loop: a flow instance never sees two messages interleaved, even
// though its two endpoints are read by different goroutines.
func (d *Dispatcher) dispatch(source endpoint, msg httpmsg.Any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, outcome, err := source.OnReceived(msg)
	if err != nil {
		return err
	}

	target, ok := d.endpoints[outcome.Endpoint]
	if !ok {
		return fmt.Errorf("pipe: dispatcher has no endpoint named %q", outcome.Endpoint)
	}
	return target.Send(outcome.Message, p)
}

func (d *Dispatcher) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.endpoints {
		e.Close()
	}
}
