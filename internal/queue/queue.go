// Package queue defers failed business writes and replays them, in order,
// once the network is back.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/upstream"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const component = "queue"

// Options configures a Queue.
type Options struct {
	Store    *Store
	Fetcher  upstream.Fetcher
	Resolver *upstream.Resolver
	Domains  []Domain
	Recorder *diagnostics.Recorder
	Now      func() time.Time
}

// Queue holds one FIFO per domain.
type Queue struct {
	store    *Store
	fetcher  upstream.Fetcher
	resolver *upstream.Resolver
	domains  []Domain
	diag     *diagnostics.Recorder
	now      func() time.Time

	replays singleflight.Group

	// ctx bounds shared replay passes; Close cancels it and waits.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	passes sync.WaitGroup
}

// ReplayReport summarizes one replay pass of a domain.
type ReplayReport struct {
	Domain    string `json:"domain"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	// Interrupted is set when a network failure ended the pass early.
	Interrupted bool `json:"interrupted"`
	Remaining   int  `json:"remaining"`
}

func New(opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is nil")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is nil")
	}
	seen := map[string]bool{}
	for _, d := range opts.Domains {
		if d.Name == "" || d.Endpoint == "" {
			return nil, fmt.Errorf("domain %q: name and endpoint are required", d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate domain %q", d.Name)
		}
		seen[d.Name] = true
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		resolver: opts.Resolver,
		domains:  append([]Domain(nil), opts.Domains...),
		diag:     opts.Recorder,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (q *Queue) Domains() []Domain {
	return append([]Domain(nil), q.domains...)
}

// Match returns the domain whose writes to path are deferred. Only methods a
// record can hold match.
func (q *Queue) Match(method, path string) (Domain, bool) {
	if !Deferrable(method) {
		return Domain{}, false
	}
	for _, d := range q.domains {
		if d.matches(path) {
			return d, true
		}
	}
	return Domain{}, false
}

func (q *Queue) domain(name string) (Domain, bool) {
	for _, d := range q.domains {
		if d.Name == name {
			return d, true
		}
	}
	return Domain{}, false
}

// Enqueue persists a failed write for later replay. endpoint keeps the query.
func (q *Queue) Enqueue(ctx context.Context, domain, method, endpoint string, payload []byte, header http.Header) (Record, error) {
	if _, ok := q.domain(domain); !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	rec := Record{
		ID:        uuid.NewString(),
		Domain:    domain,
		Endpoint:  endpoint,
		Method:    method,
		Payload:   append([]byte(nil), payload...),
		Headers:   captureHeaders(header),
		CreatedAt: q.now().UTC(),
	}
	if err := q.store.Append(ctx, rec); err != nil {
		return Record{}, err
	}
	q.diag.Record(component, "queued", rec.ID, map[string]string{"domain": domain, "endpoint": endpoint})
	return rec, nil
}

// Pending returns the pending count of every configured domain.
func (q *Queue) Pending(ctx context.Context) (map[string]int, error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(q.domains))
	for _, d := range q.domains {
		out[d.Name] = counts[d.Name]
	}
	return out, nil
}

// List returns the pending records of domain, or of every domain when empty.
func (q *Queue) List(ctx context.Context, domain string) ([]Record, error) {
	if domain != "" {
		if _, ok := q.domain(domain); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
		}
	}
	return q.store.List(ctx, domain)
}

// Replay sends the pending records of domain oldest first. Concurrent calls
// for the same domain share one pass.
func (q *Queue) Replay(ctx context.Context, domain string) (ReplayReport, error) {
	if _, ok := q.domain(domain); !ok {
		return ReplayReport{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	// The pass is shared by every caller, so it runs on the queue's context;
	// a caller giving up only stops its own wait.
	ch := q.replays.DoChan(domain, func() (any, error) {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.passes.Add(1)
		q.mu.Unlock()
		defer q.passes.Done()
		return q.replay(q.ctx, domain)
	})
	select {
	case <-ctx.Done():
		return ReplayReport{Domain: domain}, ctx.Err()
	case res := <-ch:
		if res.Val == nil {
			return ReplayReport{Domain: domain}, res.Err
		}
		return res.Val.(ReplayReport), res.Err
	}
}

func (q *Queue) replay(ctx context.Context, domain string) (ReplayReport, error) {
	report := ReplayReport{Domain: domain}
	records, err := q.store.List(ctx, domain)
	if err != nil {
		return report, err
	}

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			report.Remaining = len(records) - i
			return report, err
		}
		report.Attempted++

		resp, err := q.send(ctx, rec)
		if err != nil {
			if markErr := q.store.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
				q.diag.Record(component, "replay_error", markErr.Error(), map[string]string{"id": rec.ID})
			}
			report.Failed++
			if upstream.IsNetworkError(err) {
				// Later records would fail the same way.
				report.Interrupted = true
				report.Remaining = len(records) - i
				q.diag.Record(component, "replay_interrupted", err.Error(), map[string]string{"domain": domain, "id": rec.ID})
				return report, nil
			}
			q.diag.Record(component, "replay_failed", err.Error(), map[string]string{"domain": domain, "id": rec.ID})
			report.Remaining++
			continue
		}

		if err := resp.Err(); err != nil {
			if markErr := q.store.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
				q.diag.Record(component, "replay_error", markErr.Error(), map[string]string{"id": rec.ID})
			}
			report.Failed++
			report.Remaining++
			q.diag.Record(component, "replay_failed", err.Error(), map[string]string{"domain": domain, "id": rec.ID})
			continue
		}

		if err := q.store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return report, err
		}
		report.Succeeded++
		q.diag.Record(component, "replayed", rec.ID, map[string]string{"domain": domain})
	}
	return report, nil
}

func (q *Queue) send(ctx context.Context, rec Record) (*upstream.Response, error) {
	target, err := q.resolver.Resolve(rec.Endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, rec.Method, target.String(), bytes.NewReader(rec.Payload))
	if err != nil {
		return nil, fmt.Errorf("build replay request: %w", err)
	}
	for k, v := range rec.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(rec.Payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return q.fetcher.Fetch(ctx, req)
}

// ReplayAll replays every domain concurrently. A failing domain does not
// affect the others.
func (q *Queue) ReplayAll(ctx context.Context) ([]ReplayReport, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []ReplayReport
		errs    []error
	)
	for _, d := range q.domains {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			rep, err := q.Replay(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, rep)
			if err != nil {
				errs = append(errs, fmt.Errorf("replay %s: %w", name, err))
			}
		}(d.Name)
	}
	wg.Wait()
	sort.Slice(reports, func(i, j int) bool { return reports[i].Domain < reports[j].Domain })
	return reports, errors.Join(errs...)
}

// Close ends running replay passes and closes the store.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.passes.Wait()
	return q.store.Close()
}
