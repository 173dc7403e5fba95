package pipe

import (
	"github.com/anthropics/relayproxy/internal/flow"
	"github.com/anthropics/relayproxy/internal/httpmsg"
)

// Kind distinguishes the two halves of an endpoint.
type Kind int

const (
	// KindInput accepts client connections; the server listens on it.
	KindInput Kind = iota
	// KindOutput dials an upstream; a fresh connection is opened for
	// every accepted client.
	KindOutput
)

func (k Kind) String() string {
	if k == KindInput {
		return "input"
	}
	return "output"
}

// EndpointSpec describes one named endpoint in a FlowDefinition: where it
// listens (KindInput) or what it dials (KindOutput).
type EndpointSpec struct {
	Name    string
	Kind    Kind
	Address string
}

// FlowDefinition is the wiring a Server needs: which endpoints exist, and
// which flow tree handles requests arriving at a given input endpoint.
// Unlike the original, which discovers flow modules by scanning a
// directory at startup, FlowDefinition is built once in Go code (see
// internal/recipe) — there is no dynamic module loading to replace.
type FlowDefinition interface {
	Endpoints() []EndpointSpec
	Flow(inputEndpointName string) FlowFactory
}

// StaticFlowDefinition is the straightforward FlowDefinition every
// deployment of this proxy actually needs: one input endpoint ("local"),
// one output endpoint ("remote"), and a single flow tree shared by every
// request.
type StaticFlowDefinition struct {
	ListenAddress string
	RemoteAddress string
	Tree          *flow.Flow
}

// NewStaticFlowDefinition wires a single "local" input endpoint listening
// on listenAddress to a single "remote" output endpoint dialing
// remoteAddress, both served by tree.
func NewStaticFlowDefinition(listenAddress, remoteAddress string, tree *flow.Flow) *StaticFlowDefinition {
	return &StaticFlowDefinition{ListenAddress: listenAddress, RemoteAddress: remoteAddress, Tree: tree}
}

// Endpoints implements FlowDefinition.
func (d *StaticFlowDefinition) Endpoints() []EndpointSpec {
	return []EndpointSpec{
		{Name: "local", Kind: KindInput, Address: d.ListenAddress},
		{Name: "remote", Kind: KindOutput, Address: d.RemoteAddress},
	}
}

// Flow implements FlowDefinition: every input endpoint shares the same
// tree.
func (d *StaticFlowDefinition) Flow(inputEndpointName string) FlowFactory {
	return func(req *httpmsg.Request) *flow.Flow { return d.Tree }
}
