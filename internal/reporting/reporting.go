// Package reporting accumulates per-exchange request/response pairs and
// fans out change notifications to one or more listeners, for logging,
// persistence, or a live view of in-flight traffic.
package reporting

import (
	"sync"

	"github.com/google/uuid"

	"github.com/anthropics/relayproxy/internal/httpmsg"
)

// RequestResponse holds what one endpoint observed during an exchange.
type RequestResponse struct {
	Request  *httpmsg.Request
	Response *httpmsg.Response
}

// LogReport is an identified bundle of per-endpoint request/response
// records for one client exchange. It is created when an input endpoint
// receives the first byte of a request, mutated as each endpoint records
// what it observed, and read-only once the exchange's Processing
// finishes. Safe for concurrent reads/writes across goroutines, since a
// listener may be invoked from a different endpoint's read-loop goroutine
// than the one currently mutating the report.
type LogReport struct {
	GUID uuid.UUID

	mu        sync.RWMutex
	endpoints map[string]*RequestResponse
	order     []string
}

// NewLogReport starts a fresh, empty report with a new GUID.
func NewLogReport() *LogReport {
	return &LogReport{
		GUID:      uuid.New(),
		endpoints: make(map[string]*RequestResponse),
	}
}

func (r *LogReport) entry(endpoint string) *RequestResponse {
	rr, ok := r.endpoints[endpoint]
	if !ok {
		rr = &RequestResponse{}
		r.endpoints[endpoint] = rr
		r.order = append(r.order, endpoint)
	}
	return rr
}

// RecordRequest logs the request an endpoint observed.
func (r *LogReport) RecordRequest(endpoint string, req *httpmsg.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(endpoint).Request = req
}

// RecordResponse logs the response an endpoint observed.
func (r *LogReport) RecordResponse(endpoint string, resp *httpmsg.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(endpoint).Response = resp
}

// Endpoints returns a snapshot of endpoint names in the order they were
// first recorded, with a copy of each entry.
func (r *LogReport) Endpoints() map[string]RequestResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RequestResponse, len(r.endpoints))
	for name, rr := range r.endpoints {
		out[name] = *rr
	}
	return out
}

// EndpointOrder returns endpoint names in first-recorded order.
func (r *LogReport) EndpointOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Request returns the request this exchange carried: the "remote"
// endpoint's request if one was recorded, otherwise the "local" endpoint's
// request. This fallback (rather than always "local") exists because a
// transform may rewrite the outbound request before it reaches "remote",
// and observers generally want to see what actually went over the wire.
func (r *LogReport) Request() *httpmsg.Request {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rr, ok := r.endpoints["remote"]; ok && rr.Request != nil {
		return rr.Request
	}
	if rr, ok := r.endpoints["local"]; ok {
		return rr.Request
	}
	return nil
}

// Response always returns the "local" endpoint's response — what the
// client actually received.
func (r *LogReport) Response() *httpmsg.Response {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rr, ok := r.endpoints["local"]; ok {
		return rr.Response
	}
	return nil
}

// MessageListener is the single outbound interface from Reporting to UIs
// and persistence. OnChange fires after every request or response is
// logged, not only on completion, so a listener can show in-flight
// exchanges. Implementations must tolerate being called many times for the
// same GUID and must not block the caller for long; a slow listener should
// queue internally.
type MessageListener interface {
	OnChange(report *LogReport)
}

// Broadcaster fans a single OnChange out to any number of listeners,
// tolerating a listener that panics by recovering and continuing with the
// rest (a ListenerError per the error taxonomy: swallowed and logged,
// never impacts the data path).
type Broadcaster struct {
	mu        sync.RWMutex
	listeners []MessageListener
	onError   func(err error)
}

// NewBroadcaster returns a Broadcaster. onError, if non-nil, is invoked
// with a description of any listener failure; pass nil to discard.
func NewBroadcaster(onError func(err error)) *Broadcaster {
	return &Broadcaster{onError: onError}
}

// Add registers a listener.
func (b *Broadcaster) Add(l MessageListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// OnChange implements MessageListener by forwarding to every registered
// listener.
func (b *Broadcaster) OnChange(report *LogReport) {
	b.mu.RLock()
	listeners := append([]MessageListener(nil), b.listeners...)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.safeNotify(l, report)
	}
}

func (b *Broadcaster) safeNotify(l MessageListener, report *LogReport) {
	defer func() {
		if r := recover(); r != nil && b.onError != nil {
			b.onError(&listenerError{cause: r})
		}
	}()
	l.OnChange(report)
}

type listenerError struct{ cause any }

func (e *listenerError) Error() string {
	return "reporting: listener panicked"
}
