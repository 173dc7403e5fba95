package pipe

import (
	"errors"
	"fmt"

	"github.com/anthropics/relayproxy/internal/flow"
	"github.com/anthropics/relayproxy/internal/httpmsg"
	"github.com/anthropics/relayproxy/internal/redact"
	"github.com/anthropics/relayproxy/internal/reporting"
)

// ErrProcessingFinished is returned by a second attempt to advance a
// Processing that has already produced its final response.
var ErrProcessingFinished = errors.New("pipe: processing already finished")

// Outcome is the result of feeding one message into a Processing: either
// a suspension (route Message to Endpoint and wait for the paired reply)
// or termination (Message is the final response, routed back to the
// exchange's source endpoint).
type Outcome struct {
	Suspended bool
	Endpoint  string
	Message   httpmsg.Any
}

// Processing drives one flow invocation end to end for a single client
// exchange: it owns the flow's Coroutine, the LogReport accumulating what
// every endpoint observed, and the translation from flow errors into a
// synthesized response so a broken flow never reaches the wire as a
// dropped connection.
type Processing struct {
	sourceEndpoint string
	coro           *flow.Coroutine
	report         *reporting.LogReport
	listener       reporting.MessageListener
	redactor       *redact.Redactor
	finished       bool
}

func newProcessing(sourceEndpoint string, coro *flow.Coroutine, listener reporting.MessageListener, redactor *redact.Redactor) *Processing {
	return &Processing{
		sourceEndpoint: sourceEndpoint,
		coro:           coro,
		report:         reporting.NewLogReport(),
		listener:       listener,
		redactor:       redactor,
	}
}

// Report returns the LogReport this processing is accumulating.
func (p *Processing) Report() *reporting.LogReport { return p.report }

// LogRequest records a request an endpoint observed and notifies the
// listener.
func (p *Processing) LogRequest(endpoint string, req *httpmsg.Request) {
	p.report.RecordRequest(endpoint, req)
	p.notify()
}

// LogResponse records a response an endpoint observed and notifies the
// listener.
func (p *Processing) LogResponse(endpoint string, resp *httpmsg.Response) {
	p.report.RecordResponse(endpoint, resp)
	p.notify()
}

func (p *Processing) notify() {
	if p.listener != nil {
		p.listener.OnChange(p.report)
	}
}

// advance feeds msg (nil to start the flow) into the underlying coroutine
// and translates its result into an Outcome. A flow error never escapes
// this call: ErrDoesNotAccept becomes a "no flow accepted request" 500,
// and anything else becomes a redacted "Internal proxy error" 500,
// addressed back to the source endpoint.
func (p *Processing) advance(msg httpmsg.Any) (Outcome, error) {
	if p.finished {
		return Outcome{}, ErrProcessingFinished
	}

	step, err := p.coro.Advance(msg)
	if err != nil {
		p.finished = true
		return Outcome{Suspended: false, Endpoint: p.sourceEndpoint, Message: p.synthesizeError(err)}, nil
	}

	switch step.Kind {
	case flow.Yield:
		return Outcome{Suspended: true, Endpoint: step.Endpoint, Message: step.Message}, nil
	default: // flow.Return
		p.finished = true
		return Outcome{Suspended: false, Endpoint: p.sourceEndpoint, Message: step.Response}, nil
	}
}

func (p *Processing) synthesizeError(err error) *httpmsg.Response {
	var reason string
	if errors.Is(err, flow.ErrDoesNotAccept) {
		reason = "no flow accepted request"
	} else {
		reason = err.Error()
		if p.redactor != nil {
			reason = p.redactor.RedactBody(reason)
		}
	}
	body := []byte(fmt.Sprintf("Internal proxy error:\n%s\n", reason))
	return httpmsg.NewResponse("500", "Internal proxy error", body)
}
