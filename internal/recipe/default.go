package recipe

import (
	"context"
	"strconv"
	"strings"

	"github.com/anthropics/relayproxy/internal/flow"
	"github.com/anthropics/relayproxy/internal/httpmsg"
)

// DefaultTransform rewrites the outbound Host header to name remoteAddr
// (preserving the original on X-Original-Host), restores it afterward in
// any Location/Referer the upstream sent back, and normalizes a chunked
// response into Content-Length framing now that the parser has already
// buffered the whole body. It is meant to wrap a leaf that calls the
// upstream endpoint; every proxy deployment wants some version of this,
// so it is offered as a ready-made Contribution rather than something
// every flow has to reimplement.
func DefaultTransform(remoteAddr string) flow.Transform {
	return func(ctx context.Context, req *httpmsg.Request, next flow.Next) (*httpmsg.Response, error) {
		originalHost, hadHost := req.Headers.Get("Host")
		if hadHost {
			req.Headers.Set("X-Original-Host", originalHost)
			req.Headers.Set("Host", remoteAddr)
		}
		normalizeChunked(&req.Message)

		resp, err := next(req)
		if err != nil {
			return nil, err
		}

		if hadHost {
			restoreHost(resp, "Location", remoteAddr, originalHost)
			restoreHost(resp, "Referer", remoteAddr, originalHost)
		}
		normalizeChunked(&resp.Message)
		return resp, nil
	}
}

// DefaultContribution wraps the flow's single leaf — a call to the named
// upstream endpoint — in DefaultTransform, mirroring the original's
// register_flow: flow.transform(DefaultTransform()).call_endpoint("remote").
func DefaultContribution(remoteAddr, endpoint string) Contribution {
	return func(root *flow.Flow) *flow.Flow {
		root.TransformWith(DefaultTransform(remoteAddr)).CallEndpoint(endpoint)
		return root
	}
}

func normalizeChunked(msg *httpmsg.Message) {
	if v, ok := msg.Headers.Get("Transfer-Encoding"); ok && v == "chunked" {
		msg.Headers.Del("Transfer-Encoding")
		msg.Headers.Set("Content-Length", strconv.Itoa(len(msg.Body)))
	}
}

func restoreHost(resp *httpmsg.Response, header, newHost, originalHost string) {
	v, ok := resp.Headers.Get(header)
	if !ok {
		return
	}
	resp.Headers.Set(header, strings.ReplaceAll(v, newHost, originalHost))
}
