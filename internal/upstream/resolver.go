package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Resolver turns a request received by the proxy into the request sent
// upstream: API paths go to the backend, everything else to the app origin.
type Resolver struct {
	origin      *url.URL
	backend     *url.URL
	apiPrefixes []string
}

func NewResolver(origin, backend string, apiPrefixes []string) (*Resolver, error) {
	o, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if backend == "" {
		backend = origin
	}
	b, err := url.Parse(backend)
	if err != nil {
		return nil, fmt.Errorf("parse backend: %w", err)
	}
	return &Resolver{origin: o, backend: b, apiPrefixes: apiPrefixes}, nil
}

// Target returns the absolute upstream URL for in. Absolute URLs are kept.
func (r *Resolver) Target(in *url.URL) *url.URL {
	if in.IsAbs() {
		out := *in
		out.Fragment = ""
		return &out
	}
	base := r.origin
	for _, p := range r.apiPrefixes {
		if p != "" && strings.HasPrefix(in.Path, p) {
			base = r.backend
			break
		}
	}
	out := *base
	out.Path = strings.TrimRight(base.Path, "/") + in.Path
	out.RawPath = ""
	out.RawQuery = in.RawQuery
	out.Fragment = ""
	return &out
}

// Resolve resolves a path (with optional query) against the upstream, for
// requests the proxy originates itself (precache, warm-up, replay, probes).
func (r *Resolver) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	return r.Target(u), nil
}

// Outbound builds the upstream request for in. The body is buffered so it can
// be replayed later when the request has to be queued.
func (r *Resolver) Outbound(ctx context.Context, in *http.Request) (*http.Request, []byte, error) {
	var body []byte
	if in.Body != nil && in.Body != http.NoBody {
		b, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	out, err := http.NewRequestWithContext(ctx, in.Method, r.Target(in.URL).String(), bodyReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = CleanHeader(in.Header)
	// Let the transport negotiate and transparently decode compression.
	out.Header.Del("Accept-Encoding")
	return out, body, nil
}

// CleanHeader returns a copy of h without hop-by-hop headers.
func CleanHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, f := range out.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}
