package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/anthropics/relayproxy/internal/redact"
	"github.com/anthropics/relayproxy/internal/reporting"
)

// Server listens on every input endpoint a FlowDefinition names and spins
// up one Dispatcher per accepted client connection.
type Server struct {
	def      FlowDefinition
	listener reporting.MessageListener
	redactor *redact.Redactor
	logger   *slog.Logger

	mu          sync.Mutex
	listeners   []net.Listener
	dispatchers map[*Dispatcher]struct{}
}

// NewServer builds a Server. listener may be nil to disable reporting
// fan-out, and redactor may be nil to disable redaction of synthesized
// error bodies.
func NewServer(def FlowDefinition, listener reporting.MessageListener, redactor *redact.Redactor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		def:         def,
		listener:    listener,
		redactor:    redactor,
		logger:      logger,
		dispatchers: make(map[*Dispatcher]struct{}),
	}
}

// Start binds every input endpoint and begins accepting connections in
// the background. ctx governs the lifetime of every dispatcher spawned
// from here on; cancelling it does not itself close listeners (use Close)
// but does cause in-flight flow coroutines to observe cancellation.
func (s *Server) Start(ctx context.Context) error {
	for _, spec := range s.def.Endpoints() {
		if spec.Kind != KindInput {
			continue
		}
		ln, err := net.Listen("tcp", spec.Address)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("pipe: bind %s endpoint %q: %w", spec.Address, spec.Name, err)
		}
		s.logger.Info("listening", "endpoint", spec.Name, "address", ln.Addr())

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		go s.acceptLoop(ctx, spec.Name, ln)
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, endpointName string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", "endpoint", endpointName, "err", err)
			return
		}
		go s.handleClient(ctx, endpointName, conn)
	}
}

func (s *Server) handleClient(ctx context.Context, endpointName string, conn net.Conn) {
	d := newDispatcher(ctx, s.def, s.listener, s.redactor, s.logger, s.clientFinished)

	s.mu.Lock()
	s.dispatchers[d] = struct{}{}
	s.mu.Unlock()

	d.handleClient(endpointName, conn)
}

func (s *Server) clientFinished(d *Dispatcher) {
	s.mu.Lock()
	delete(s.dispatchers, d)
	s.mu.Unlock()
}

// Close stops accepting new connections but leaves in-flight exchanges
// running.
func (s *Server) Close() error {
	s.closeListeners()
	return nil
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

// Kill stops accepting new connections and forcibly closes every
// in-flight dispatcher's endpoints, for use after a grace period elapses
// during shutdown.
func (s *Server) Kill() {
	s.closeListeners()

	s.mu.Lock()
	dispatchers := make([]*Dispatcher, 0, len(s.dispatchers))
	for d := range s.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	s.mu.Unlock()

	for _, d := range dispatchers {
		d.closeAll()
	}
}

// OpenDispatcherCount reports how many client connections are currently
// being served, for diagnostics and graceful-shutdown polling.
func (s *Server) OpenDispatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatchers)
}
