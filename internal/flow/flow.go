package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/relayproxy/internal/httpmsg"
)

// Matcher is a boolean predicate over a request, used to gate a branch.
type Matcher func(req *httpmsg.Request) bool

// Transform is a pluggable request/response pipeline stage. It may call
// next zero or more times (typically once), rewrite the response it gets
// back before returning it, or reject the request by returning
// ErrDoesNotAccept so the next sibling gets a chance.
type Transform func(ctx context.Context, req *httpmsg.Request, next Next) (*httpmsg.Response, error)

// Next continues evaluation of whatever a Transform wraps, with req
// possibly rewritten.
type Next func(req *httpmsg.Request) (*httpmsg.Response, error)

// Flow is a node in the flow tree: a container of branches with an
// optional guard, an optional wrapping transform, and, if it is a leaf, a
// terminal responder. Construct with Root and configure with the builder
// methods below; each builder method that introduces a new branch returns
// that branch so it can be configured further.
type Flow struct {
	matchers  []Matcher
	transform Transform
	children  []*Flow
	fallback  *Flow

	respondFn    func(req *httpmsg.Request) (*httpmsg.Response, error)
	callEndpoint string
	delegateFlow *Flow
}

// Root returns an empty flow with no guard, ready to accumulate branches.
func Root() *Flow {
	return &Flow{}
}

// When adds a new guarded branch evaluated only if every matcher accepts
// the request, and returns that branch for further configuration.
func (f *Flow) When(matchers ...Matcher) *Flow {
	child := &Flow{matchers: matchers}
	f.children = append(f.children, child)
	return child
}

// TransformWith adds a new branch wrapping t, and returns that branch so
// whatever t's Next should reach can be configured on it.
func (f *Flow) TransformWith(t Transform) *Flow {
	child := &Flow{transform: t}
	f.children = append(f.children, child)
	return child
}

// Respond makes f a leaf that answers with fn's result, without any
// upstream round trip.
func (f *Flow) Respond(fn func(req *httpmsg.Request) (*httpmsg.Response, error)) *Flow {
	f.respondFn = fn
	return f
}

// RespondWith makes f a leaf that always answers with resp, matching the
// "respond(value)" form from the original API (as opposed to
// "respond(fn)", which is Respond above).
func (f *Flow) RespondWith(resp *httpmsg.Response) *Flow {
	f.respondFn = func(*httpmsg.Request) (*httpmsg.Response, error) { return resp, nil }
	return f
}

// RespondWhen is sugar for When(matchers...).Respond(fn) — the equivalent
// of the original's @flow.respond_when(...) decorator.
func (f *Flow) RespondWhen(fn func(req *httpmsg.Request) (*httpmsg.Response, error), matchers ...Matcher) *Flow {
	return f.When(matchers...).Respond(fn)
}

// CallEndpoint makes f a leaf that forwards the (possibly transformed)
// request to the named endpoint and returns its reply as the final
// response.
func (f *Flow) CallEndpoint(name string) *Flow {
	f.callEndpoint = name
	return f
}

// Delegate makes f a leaf that recurses into sub for the remainder of
// evaluation.
func (f *Flow) Delegate(sub *Flow) *Flow {
	f.delegateFlow = sub
	return f
}

// Fallback sets the branch tried if every other branch on f rejects the
// request.
func (f *Flow) Fallback(fb *Flow) *Flow {
	f.fallback = fb
	return f
}

func (f *Flow) isLeaf() bool {
	return f.respondFn != nil || f.callEndpoint != "" || f.delegateFlow != nil
}

// Invoke runs the matching algorithm: f.matchers gate entry, f.transform
// (if any) wraps evaluation of children/leaf, children are tried in
// declared order, ErrDoesNotAccept tries the next sibling, and if every
// branch rejects, fallback (if set) gets a final try.
func (f *Flow) Invoke(ctx context.Context, call Caller, req *httpmsg.Request) (*httpmsg.Response, error) {
	for _, m := range f.matchers {
		if !m(req) {
			return nil, ErrDoesNotAccept
		}
	}

	if f.transform != nil {
		return f.transform(ctx, req, func(rewritten *httpmsg.Request) (*httpmsg.Response, error) {
			return f.evalBody(ctx, call, rewritten)
		})
	}

	return f.evalBody(ctx, call, req)
}

func (f *Flow) evalBody(ctx context.Context, call Caller, req *httpmsg.Request) (*httpmsg.Response, error) {
	if f.isLeaf() {
		return f.invokeLeaf(ctx, call, req)
	}

	for _, child := range f.children {
		resp, err := child.Invoke(ctx, call, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrDoesNotAccept) {
			return nil, err
		}
	}

	if f.fallback != nil {
		return f.fallback.Invoke(ctx, call, req)
	}

	return nil, ErrDoesNotAccept
}

func (f *Flow) invokeLeaf(ctx context.Context, call Caller, req *httpmsg.Request) (*httpmsg.Response, error) {
	switch {
	case f.respondFn != nil:
		return f.respondFn(req)
	case f.callEndpoint != "":
		reply := call.Call(f.callEndpoint, req)
		resp, ok := reply.(*httpmsg.Response)
		if !ok {
			return nil, fmt.Errorf("flow: call_endpoint %q received a non-response message", f.callEndpoint)
		}
		return resp, nil
	case f.delegateFlow != nil:
		return f.delegateFlow.Invoke(ctx, call, req)
	default:
		return nil, ErrDoesNotAccept
	}
}

// Start instantiates a fresh Coroutine running this flow against req. Each
// accepted client exchange gets its own Coroutine so flow state (if any is
// captured by closures bound to a particular handler instance) never
// leaks across exchanges.
func (f *Flow) Start(ctx context.Context, req *httpmsg.Request) *Coroutine {
	return NewCoroutine(ctx, f.Invoke, req)
}
