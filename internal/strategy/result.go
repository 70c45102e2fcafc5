package strategy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bassista/go_offline/internal/cache"
	"github.com/bassista/go_offline/internal/classifier"
	"github.com/bassista/go_offline/internal/upstream"
)

// Response annotations read by the application to show offline indicators.
const (
	HeaderSource   = "X-Offline-Source"
	HeaderStale    = "X-Offline-Stale"
	HeaderCachedAt = "X-Offline-Cached-At"
	HeaderFallback = "X-Offline-Fallback"
	HeaderStrategy = "X-Offline-Strategy"
	HeaderQueued   = "X-Offline-Queued"
)

type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceQueue    Source = "queue"
)

// Name identifies a caching strategy.
type Name string

const (
	CacheFirst           Name = "cache-first"
	NetworkFirst         Name = "network-first"
	NetworkFirstFallback Name = "network-first-with-fallback"
	StaleWhileRevalidate Name = "stale-while-revalidate"
)

// ForClass returns the strategy applied to a traffic class.
func ForClass(c classifier.TrafficClass) Name {
	switch c {
	case classifier.Static:
		return CacheFirst
	case classifier.API:
		return NetworkFirstFallback
	case classifier.Dynamic:
		return StaleWhileRevalidate
	default:
		return NetworkFirst
	}
}

// Result is what the strategy hands back to the caller.
type Result struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	Stale    bool
	Strategy Name
}

func fromNetwork(resp *upstream.Response, name Name) *Result {
	h := resp.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(HeaderSource, string(SourceNetwork))
	if name != "" {
		h.Set(HeaderStrategy, string(name))
	}
	return &Result{
		Status:   resp.StatusCode,
		Header:   h,
		Body:     resp.Body,
		Source:   SourceNetwork,
		Strategy: name,
	}
}

// Passthrough wraps a response that bypassed every strategy.
func Passthrough(resp *upstream.Response) *Result {
	return fromNetwork(resp, "")
}

func fromSnapshot(snap cache.Snapshot, name Name, stale bool) *Result {
	h := snap.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(HeaderSource, string(SourceCache))
	if name != "" {
		h.Set(HeaderStrategy, string(name))
	}
	if stale {
		h.Set(HeaderStale, strconv.FormatBool(true))
		h.Set(HeaderCachedAt, snap.StoredAt.UTC().Format(time.RFC3339))
	}
	return &Result{
		Status:   snap.Status,
		Header:   h,
		Body:     snap.Body,
		Source:   SourceCache,
		Stale:    stale,
		Strategy: name,
	}
}

func synthesized(body []byte, name Name) *Result {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set(HeaderSource, string(SourceFallback))
	h.Set(HeaderStrategy, string(name))
	h.Set(HeaderFallback, "synthesized")
	h.Set(HeaderStale, strconv.FormatBool(true))
	return &Result{
		Status:   http.StatusOK,
		Header:   h,
		Body:     append([]byte(nil), body...),
		Source:   SourceFallback,
		Stale:    true,
		Strategy: name,
	}
}
