package pipe

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/relayproxy/internal/flow"
	"github.com/anthropics/relayproxy/internal/httpmsg"
	"github.com/anthropics/relayproxy/internal/httpparse"
	"github.com/anthropics/relayproxy/internal/reporting"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// startEchoUpstream runs a bare-bones upstream that answers every request
// with a 200 whose body names the request path, so tests can assert the
// exchange actually crossed the proxy.
func startEchoUpstream(t *testing.T, addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("startEchoUpstream: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveEcho(conn)
		}
	}()
}

func serveEcho(conn net.Conn) {
	defer conn.Close()
	p := httpparse.New()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, perr := p.Feed(buf[:n])
			if perr != nil {
				return
			}
			for _, m := range msgs {
				req, ok := m.(*httpmsg.Request)
				if !ok {
					continue
				}
				resp := httpmsg.NewResponse("200", "OK", []byte("upstream:"+req.Path))
				conn.Write(resp.Serialize())
			}
		}
		if err != nil {
			return
		}
	}
}

func readResponse(t *testing.T, conn net.Conn) *httpmsg.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	p := httpparse.New()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, perr := p.Feed(buf[:n])
			if perr != nil {
				t.Fatalf("parse error: %v", perr)
			}
			for _, m := range msgs {
				if resp, ok := m.(*httpmsg.Response); ok {
					return resp
				}
			}
		}
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
	}
}

func newTestServer(t *testing.T, listenAddr, remoteAddr string, tree *flow.Flow, listener reporting.MessageListener) *Server {
	t.Helper()
	def := NewStaticFlowDefinition(listenAddr, remoteAddr, tree)
	srv := NewServer(def, listener, nil, slog.Default())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Kill() })
	return srv
}

func TestServerProxiesThroughCallEndpoint(t *testing.T) {
	upstreamAddr := freeAddr(t)
	startEchoUpstream(t, upstreamAddr)
	listenAddr := freeAddr(t)

	tree := flow.Root().CallEndpoint("remote")
	newTestServer(t, listenAddr, upstreamAddr, tree, nil)

	conn, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := httpmsg.NewRequest("GET", "/hello", nil)
	if _, err := conn.Write(req.Serialize()); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, conn)
	if resp.Status != "200" || string(resp.Body) != "upstream:/hello" {
		t.Fatalf("resp = %+v, body %q", resp, resp.Body)
	}
}

func TestServerRespondWithoutUpstreamCall(t *testing.T) {
	upstreamAddr := freeAddr(t)
	startEchoUpstream(t, upstreamAddr)
	listenAddr := freeAddr(t)

	tree := flow.Root().RespondWith(httpmsg.NewResponse("200", "OK", []byte("direct")))
	newTestServer(t, listenAddr, upstreamAddr, tree, nil)

	conn, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := httpmsg.NewRequest("GET", "/x", nil)
	conn.Write(req.Serialize())

	resp := readResponse(t, conn)
	if string(resp.Body) != "direct" {
		t.Fatalf("body = %q, want direct", resp.Body)
	}
}

func TestServerUpstreamConnectFailureSynthesizesGatewayError(t *testing.T) {
	unreachable := freeAddr(t) // bound then released; nothing listens here
	listenAddr := freeAddr(t)

	tree := flow.Root().CallEndpoint("remote")
	newTestServer(t, listenAddr, unreachable, tree, nil)

	conn, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := httpmsg.NewRequest("GET", "/x", nil)
	conn.Write(req.Serialize())

	resp := readResponse(t, conn)
	if resp.Status != "502" {
		t.Fatalf("status = %q, want 502", resp.Status)
	}
	if !strings.Contains(string(resp.Body), "remote") {
		t.Fatalf("body = %q, want it to name the failing endpoint", resp.Body)
	}
}

func TestServerFlowRejectionBecomes500(t *testing.T) {
	upstreamAddr := freeAddr(t)
	startEchoUpstream(t, upstreamAddr)
	listenAddr := freeAddr(t)

	tree := flow.Root().When(flow.HasMethod("POST")).RespondWith(httpmsg.NewResponse("200", "OK", nil))
	newTestServer(t, listenAddr, upstreamAddr, tree, nil)

	conn, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := httpmsg.NewRequest("GET", "/x", nil)
	conn.Write(req.Serialize())

	resp := readResponse(t, conn)
	if resp.Status != "500" {
		t.Fatalf("status = %q, want 500", resp.Status)
	}
	if !strings.Contains(string(resp.Body), "no flow accepted request") {
		t.Fatalf("body = %q, want it to explain no flow accepted the request", resp.Body)
	}
}

// responseReader reads and parses responses off a single connection across
// multiple calls, buffering any extra messages a single Read may have
// picked up so pipelined responses are returned one at a time in arrival
// order.
type responseReader struct {
	t       *testing.T
	conn    net.Conn
	parser  *httpparse.Parser
	pending []*httpmsg.Response
}

func newResponseReader(t *testing.T, conn net.Conn) *responseReader {
	return &responseReader{t: t, conn: conn, parser: httpparse.New()}
}

func (r *responseReader) next() *httpmsg.Response {
	r.t.Helper()
	if len(r.pending) > 0 {
		resp := r.pending[0]
		r.pending = r.pending[1:]
		return resp
	}

	r.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 4096)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			msgs, perr := r.parser.Feed(buf[:n])
			if perr != nil {
				r.t.Fatalf("parse error: %v", perr)
			}
			for _, m := range msgs {
				if resp, ok := m.(*httpmsg.Response); ok {
					r.pending = append(r.pending, resp)
				}
			}
			if len(r.pending) > 0 {
				resp := r.pending[0]
				r.pending = r.pending[1:]
				return resp
			}
		}
		if err != nil {
			r.t.Fatalf("read response: %v", err)
		}
	}
}

// TestServerPreservesPipelinedResponseOrder exercises §8's pipelining
// guarantee through the full dispatcher/endpoint stack (not just the
// parser): two requests written back-to-back on one connection, before
// either response arrives, must come back in request order. This is the
// property OutputEndpoint's pending FIFO queue exists to enforce — the
// upstream echo names the request path in its body, so a reordered pair of
// responses would be caught.
func TestServerPreservesPipelinedResponseOrder(t *testing.T) {
	upstreamAddr := freeAddr(t)
	startEchoUpstream(t, upstreamAddr)
	listenAddr := freeAddr(t)

	tree := flow.Root().CallEndpoint("remote")
	newTestServer(t, listenAddr, upstreamAddr, tree, nil)

	conn, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := httpmsg.NewRequest("GET", "/first", nil)
	second := httpmsg.NewRequest("GET", "/second", nil)
	if _, err := conn.Write(append(first.Serialize(), second.Serialize()...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := newResponseReader(t, conn)
	resp1 := reader.next()
	resp2 := reader.next()

	if string(resp1.Body) != "upstream:/first" {
		t.Fatalf("first response body = %q, want upstream:/first", resp1.Body)
	}
	if string(resp2.Body) != "upstream:/second" {
		t.Fatalf("second response body = %q, want upstream:/second", resp2.Body)
	}
}

type captureListener struct {
	mu      sync.Mutex
	reports []*reporting.LogReport
}

func (c *captureListener) OnChange(r *reporting.LogReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
}

func (c *captureListener) last() *reporting.LogReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reports) == 0 {
		return nil
	}
	return c.reports[len(c.reports)-1]
}

func TestServerNotifiesListenerAsExchangeProgresses(t *testing.T) {
	upstreamAddr := freeAddr(t)
	startEchoUpstream(t, upstreamAddr)
	listenAddr := freeAddr(t)

	listener := &captureListener{}
	tree := flow.Root().CallEndpoint("remote")
	newTestServer(t, listenAddr, upstreamAddr, tree, listener)

	conn, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := httpmsg.NewRequest("GET", "/seen", nil)
	conn.Write(req.Serialize())
	readResponse(t, conn)

	report := listener.last()
	if report == nil {
		t.Fatal("listener was never notified")
	}
	if report.Request() == nil || report.Request().Path != "/seen" {
		t.Fatalf("report.Request() = %+v", report.Request())
	}
	if report.Response() == nil || string(report.Response().Body) != "upstream:/seen" {
		t.Fatalf("report.Response() = %+v", report.Response())
	}
}
