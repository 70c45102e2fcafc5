package connectivity

import (
	"context"
	"net/http"

	"github.com/bassista/go_offline/internal/upstream"
)

type observingFetcher struct {
	next    upstream.Fetcher
	monitor *Monitor
}

// ObservingFetcher reports the outcome of every fetch made through next to m.
func ObservingFetcher(next upstream.Fetcher, m *Monitor) upstream.Fetcher {
	return &observingFetcher{next: next, monitor: m}
}

func (f *observingFetcher) Fetch(ctx context.Context, req *http.Request) (*upstream.Response, error) {
	resp, err := f.next.Fetch(ctx, req)
	// A cancelled caller says nothing about the network.
	if ctx.Err() == nil {
		f.monitor.Observe(err)
	}
	return resp, err
}
