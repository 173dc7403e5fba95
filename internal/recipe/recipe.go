// Package recipe assembles the root flow tree from a fixed, ordered list
// of contributions. The original discovers flow modules by scanning a
// package directory at import time (proxy.pipe.recipe.recipe_finder,
// import_submodules) and calls each module's register_flow in whatever
// order the filesystem returns; Go has no equivalent of scanning a
// package for submodules at runtime, and the proxy's design notes call
// that discovery step out as something a rewrite should just replace
// with an explicit list. Register does exactly that: callers pass their
// contributions in the order they want them applied.
package recipe

import "github.com/anthropics/relayproxy/internal/flow"

// Contribution extends root with one more branch (or wraps it in a
// transform) and returns the root for the next contribution to build on,
// mirroring the original's register_flow(flow) -> flow contract.
type Contribution func(root *flow.Flow) *flow.Flow

// Register applies every contribution to root in order and returns it.
func Register(root *flow.Flow, contributions ...Contribution) *flow.Flow {
	for _, c := range contributions {
		root = c(root)
	}
	return root
}
