// Package flow implements the declarative flow DSL: a tree of matchers,
// transforms, and leaf responders that decides what to do with one
// request, including zero or more suspend/resume round trips to named
// endpoints.
//
// The original implementation models one flow invocation as a Python
// generator that yields (endpoint, message) pairs and is resumed with the
// corresponding response. Go has no generator primitive, so per the
// suspend/resume design note this package models it with a goroutine and a
// pair of channels: the flow body runs as ordinary blocking Go code, and
// every call to Caller.Call suspends the goroutine on a channel receive
// until Processing (internal/pipe) resumes it with the response.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/relayproxy/internal/httpmsg"
)

// ErrDoesNotAccept is returned by a matcher guard, transform, or flow body
// to reject a request so the next sibling branch (or the fallback) gets a
// chance. Reaching the root of the tree with this error means no branch
// accepted the request.
var ErrDoesNotAccept = errors.New("flow: does not accept")

// ErrFinished is returned by Advance once the coroutine has already
// returned a final response; matches the original's ProcessingFinishedError.
var ErrFinished = errors.New("flow: coroutine already finished")

// StepKind distinguishes a suspension from termination.
type StepKind int

const (
	// Yield means "route Message to the named endpoint, then resume this
	// coroutine with whatever comes back".
	Yield StepKind = iota
	// Return means the coroutine has produced its final response.
	Return
)

// Step is one unit of progress out of a Coroutine.
type Step struct {
	Kind     StepKind
	Endpoint string
	Message  httpmsg.Any
	Response *httpmsg.Response
	Err      error
}

// Caller lets a flow body perform an upstream round trip: send msg to the
// named endpoint and block until the paired response arrives.
type Caller interface {
	Call(endpoint string, msg httpmsg.Any) httpmsg.Any
}

// Body is what a Coroutine runs: inspect/transform the request, optionally
// round-trip through Caller any number of times, then return the final
// response. A panic inside Body is recovered and surfaced as an error from
// Advance so a single bad exchange cannot take down the dispatcher.
type Body func(ctx context.Context, call Caller, req *httpmsg.Request) (*httpmsg.Response, error)

// Coroutine is one live flow invocation.
type Coroutine struct {
	ctx  context.Context
	body Body
	req  *httpmsg.Request

	stepCh   chan Step
	resumeCh chan httpmsg.Any

	started bool
	done    bool
}

// NewCoroutine prepares (but does not yet start) a flow invocation. The
// goroutine backing it is spawned by the first call to Advance, mirroring
// "first call is send_message(None) to start the coroutine".
func NewCoroutine(ctx context.Context, body Body, req *httpmsg.Request) *Coroutine {
	return &Coroutine{
		ctx:      ctx,
		body:     body,
		req:      req,
		stepCh:   make(chan Step),
		resumeCh: make(chan httpmsg.Any),
	}
}

// Advance starts (resp == nil, first call) or resumes (resp = the response
// to the most recent Yield) the coroutine, blocking until it yields again
// or returns a final response.
func (c *Coroutine) Advance(resp httpmsg.Any) (Step, error) {
	if c.done {
		return Step{}, ErrFinished
	}

	if !c.started {
		c.started = true
		go c.run()
	} else {
		c.resumeCh <- resp
	}

	step := <-c.stepCh
	if step.Kind == Return {
		c.done = true
	}
	return step, step.Err
}

// Done reports whether the coroutine has produced its final response.
func (c *Coroutine) Done() bool { return c.done }

func (c *Coroutine) run() {
	final := c.invoke()
	c.stepCh <- final
}

func (c *Coroutine) invoke() (final Step) {
	defer func() {
		if r := recover(); r != nil {
			final = Step{Kind: Return, Err: fmt.Errorf("flow: panic: %v", r)}
		}
	}()

	resp, err := c.body(c.ctx, &caller{c: c}, c.req)
	return Step{Kind: Return, Response: resp, Err: err}
}

type caller struct{ c *Coroutine }

func (ci *caller) Call(endpoint string, msg httpmsg.Any) httpmsg.Any {
	ci.c.stepCh <- Step{Kind: Yield, Endpoint: endpoint, Message: msg}
	return <-ci.c.resumeCh
}
