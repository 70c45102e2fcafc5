package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bassista/go_offline/internal/queue"
	"github.com/bassista/go_offline/internal/strategy"
	"github.com/bassista/go_offline/internal/upstream"
)

// handleFetch answers an intercepted request. GETs go through the active
// version's strategies; other requests go straight upstream, and failed
// business writes are queued.
func (w *Worker) handleFetch(ctx context.Context, ev Event) (Outcome, error) {
	in := ev.Request
	if in == nil {
		return Outcome{}, fmt.Errorf("%w: fetch needs a request", ErrInvalidEvent)
	}
	out, body, err := w.deps.Resolver.Outbound(ctx, in)
	if err != nil {
		return Outcome{}, err
	}

	inst := w.Active()
	if inst == nil || !w.deps.Classifier.Intercepts(out.Method, out.URL) {
		return w.passthrough(ctx, in, out, body)
	}

	class := w.deps.Classifier.Classify(out.Method, out.URL)
	res, err := inst.Engine().Handle(ctx, class, out)
	switch {
	case err == nil:
		return Outcome{Response: res}, nil
	case errors.Is(err, strategy.ErrClosed):
		// The version was replaced while this request was routed.
		if next := w.Active(); next != nil && next != inst {
			res, err = next.Engine().Handle(ctx, w.deps.Classifier.Classify(out.Method, out.URL), out)
			if err == nil {
				return Outcome{Response: res}, nil
			}
		}
		return w.passthrough(ctx, in, out, body)
	case upstream.IsNetworkError(err) && isNavigation(in):
		if page, ok := w.offlinePage(ctx, inst, out); ok {
			return Outcome{Response: page}, nil
		}
	}
	return Outcome{}, err
}

func (w *Worker) passthrough(ctx context.Context, in, out *http.Request, body []byte) (Outcome, error) {
	resp, err := w.deps.Fetcher.Fetch(ctx, out)
	if err == nil {
		return Outcome{Response: strategy.Passthrough(resp)}, nil
	}
	if !upstream.IsNetworkError(err) || w.deps.Queue == nil {
		return Outcome{}, err
	}
	domain, ok := w.deps.Queue.Match(in.Method, in.URL.Path)
	if !ok {
		return Outcome{}, err
	}
	rec, qerr := w.deps.Queue.Enqueue(ctx, domain.Name, in.Method, in.URL.RequestURI(), body, in.Header)
	if qerr != nil {
		return Outcome{}, fmt.Errorf("queue %s write: %w", domain.Name, qerr)
	}
	w.announceQueue(ctx)
	return Outcome{Response: queuedResult(rec), Queued: &rec}, nil
}

// offlinePage serves a failed navigation from the precached app shell: the
// same URL when it was precached, else the offline page.
func (w *Worker) offlinePage(ctx context.Context, inst *Instance, out *http.Request) (*strategy.Result, bool) {
	static := inst.Stores().Static
	if page, ok := inst.Engine().Cached(ctx, static, out.URL); ok {
		return page, true
	}
	if w.deps.OfflinePage == "" {
		return nil, false
	}
	u, err := w.deps.Resolver.Resolve(w.deps.OfflinePage)
	if err != nil {
		return nil, false
	}
	return inst.Engine().Cached(ctx, static, u)
}

type queuedBody struct {
	Queued bool   `json:"queued"`
	ID     string `json:"id"`
	Domain string `json:"domain"`
}

func queuedResult(rec queue.Record) *strategy.Result {
	body, _ := json.Marshal(queuedBody{Queued: true, ID: rec.ID, Domain: rec.Domain})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(strategy.HeaderSource, string(strategy.SourceQueue))
	h.Set(strategy.HeaderQueued, rec.Domain)
	return &strategy.Result{
		Status: http.StatusAccepted,
		Header: h,
		Body:   body,
		Source: strategy.SourceQueue,
	}
}

func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
