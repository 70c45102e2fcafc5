// Package strategy implements the four caching strategies applied to
// intercepted traffic. Caching is an optimization layer: a failing store never
// prevents a network request from being attempted.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bassista/go_offline/internal/cache"
	"github.com/bassista/go_offline/internal/classifier"
	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/lifecycle"
	"github.com/bassista/go_offline/internal/upstream"
	"golang.org/x/sync/singleflight"
)

const (
	component = "strategy"

	DefaultAPITimeout        = 5 * time.Second
	DefaultRevalidateTimeout = 30 * time.Second
)

var ErrClosed = errors.New("strategy engine is closed")

type Options struct {
	// Storage hands out the engine's stores. The lifecycle manager refuses
	// stores of retired versions.
	Storage cache.Opener
	Fetcher upstream.Fetcher
	Stores  lifecycle.StoreNames
	// APITimeout bounds the network wait of network-first-with-fallback.
	APITimeout        time.Duration
	RevalidateTimeout time.Duration
	// Fallbacks maps critical endpoint paths to the payload served when the
	// network is down and nothing is cached.
	Fallbacks map[string][]byte
	Recorder  *diagnostics.Recorder
	Now       func() time.Time
}

// Engine executes strategies for one worker version. Close cancels its
// detached revalidations and waits for pending write-throughs; results still
// in flight are discarded.
type Engine struct {
	storage           cache.Opener
	fetcher           upstream.Fetcher
	stores            lifecycle.StoreNames
	apiTimeout        time.Duration
	revalidateTimeout time.Duration
	fallbacks         map[string][]byte
	diag              *diagnostics.Recorder
	now               func() time.Time

	handlesMu sync.Mutex
	handles   map[string]cache.Store

	inflight singleflight.Group

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is nil")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is nil")
	}
	if opts.Stores.Static == "" || opts.Stores.Dynamic == "" || opts.Stores.API == "" {
		return nil, errors.New("store names are required")
	}
	if opts.APITimeout <= 0 {
		opts.APITimeout = DefaultAPITimeout
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = DefaultRevalidateTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	fallbacks := make(map[string][]byte, len(opts.Fallbacks))
	for p, body := range opts.Fallbacks {
		fallbacks[normalizePath(p)] = body
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		storage:           opts.Storage,
		fetcher:           opts.Fetcher,
		stores:            opts.Stores,
		apiTimeout:        opts.APITimeout,
		revalidateTimeout: opts.RevalidateTimeout,
		fallbacks:         fallbacks,
		diag:              opts.Recorder,
		now:               opts.Now,
		handles:           map[string]cache.Store{},
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// StoreFor returns the store a traffic class reads and writes.
func (e *Engine) StoreFor(class classifier.TrafficClass) string {
	switch class {
	case classifier.Static:
		return e.stores.Static
	case classifier.API:
		return e.stores.API
	default:
		return e.stores.Dynamic
	}
}

// Handle runs the strategy selected for class.
func (e *Engine) Handle(ctx context.Context, class classifier.TrafficClass, req *http.Request) (*Result, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	store := e.StoreFor(class)
	switch ForClass(class) {
	case CacheFirst:
		return e.CacheFirst(ctx, store, req)
	case NetworkFirstFallback:
		return e.NetworkFirstWithFallback(ctx, store, req)
	case StaleWhileRevalidate:
		return e.StaleWhileRevalidate(ctx, store, req)
	default:
		return e.NetworkFirst(ctx, store, req)
	}
}

// CacheFirst serves a hit without touching the network.
func (e *Engine) CacheFirst(ctx context.Context, storeName string, req *http.Request) (*Result, error) {
	store := e.store(ctx, storeName)
	key := cache.Key(req.Method, req.URL)

	if snap, ok := e.lookup(ctx, store, key); ok {
		e.record("hit", key, storeName)
		return fromSnapshot(snap, CacheFirst, false), nil
	}
	e.record("miss", key, storeName)

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	e.writeThrough(ctx, store, req, resp)
	return fromNetwork(resp, CacheFirst), nil
}

// NetworkFirst falls back to the store only when the network fails.
func (e *Engine) NetworkFirst(ctx context.Context, storeName string, req *http.Request) (*Result, error) {
	store := e.store(ctx, storeName)
	key := cache.Key(req.Method, req.URL)

	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		e.writeThrough(ctx, store, req, resp)
		return fromNetwork(resp, NetworkFirst), nil
	}

	if snap, ok := e.lookup(ctx, store, key); ok {
		e.record("offline_hit", key, storeName)
		return fromSnapshot(snap, NetworkFirst, true), nil
	}
	return nil, err
}

// NetworkFirstWithFallback favors availability: bounded network wait, cached
// copy on failure or bad status, synthesized payload for critical endpoints.
func (e *Engine) NetworkFirstWithFallback(ctx context.Context, storeName string, req *http.Request) (*Result, error) {
	store := e.store(ctx, storeName)
	key := cache.Key(req.Method, req.URL)

	fetchCtx, cancel := context.WithTimeout(ctx, e.apiTimeout)
	resp, err := e.fetcher.Fetch(fetchCtx, req)
	cancel()

	if err == nil {
		if resp.OK() {
			e.writeThrough(ctx, store, req, resp)
			return fromNetwork(resp, NetworkFirstFallback), nil
		}
		if snap, ok := e.lookup(ctx, store, key); ok {
			e.record("bad_status_masked", key, storeName)
			return fromSnapshot(snap, NetworkFirstFallback, true), nil
		}
		return fromNetwork(resp, NetworkFirstFallback), nil
	}

	if snap, ok := e.lookup(ctx, store, key); ok {
		e.record("offline_hit", key, storeName)
		return fromSnapshot(snap, NetworkFirstFallback, true), nil
	}
	if body, ok := e.fallbacks[normalizePath(req.URL.Path)]; ok {
		e.record("fallback_served", key, storeName)
		return synthesized(body, NetworkFirstFallback), nil
	}
	return nil, err
}

// StaleWhileRevalidate answers from the store when it can and refreshes the
// entry in the background; the caller never waits on that refresh.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, storeName string, req *http.Request) (*Result, error) {
	store := e.store(ctx, storeName)
	key := cache.Key(req.Method, req.URL)

	if snap, ok := e.lookup(ctx, store, key); ok {
		e.record("hit", key, storeName)
		e.revalidate(req, store, key)
		return fromSnapshot(snap, StaleWhileRevalidate, false), nil
	}
	e.record("miss", key, storeName)

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	e.writeThrough(ctx, store, req, resp)
	return fromNetwork(resp, StaleWhileRevalidate), nil
}

// Cached returns the entry stored for a GET of u, annotated stale. Used for
// the offline page when a navigation cannot be served.
func (e *Engine) Cached(ctx context.Context, storeName string, u *url.URL) (*Result, bool) {
	snap, ok := e.lookup(ctx, e.store(ctx, storeName), cache.Key(http.MethodGet, u))
	if !ok {
		return nil, false
	}
	return fromSnapshot(snap, "", true), true
}

// revalidate starts a detached refresh of key. It has no channel back to the
// caller and its failures end at the recover boundary.
func (e *Engine) revalidate(req *http.Request, store cache.Store, key string) {
	if store == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	bg := req.Clone(e.ctx)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.record("revalidate_error", key, fmt.Sprint(r))
			}
		}()

		// Concurrent revalidations of one key share a single fetch.
		_, _, _ = e.inflight.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(e.ctx, e.revalidateTimeout)
			defer cancel()

			resp, err := e.fetcher.Fetch(ctx, bg)
			if err != nil {
				e.record("revalidate_failed", key, err.Error())
				return nil, nil
			}
			e.writeThrough(ctx, store, bg, resp)
			return nil, nil
		})
	}()
}

// writeThrough stores successful GET responses. Errors are recorded, never returned.
func (e *Engine) writeThrough(ctx context.Context, store cache.Store, req *http.Request, resp *upstream.Response) {
	if store == nil || req.Method != http.MethodGet || !resp.OK() {
		return
	}
	// A torn-down engine may hold stores of a deactivated version.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()
	if ctx.Err() != nil {
		return
	}

	snap := cache.NewSnapshot(req.Method, req.URL, resp.StatusCode, resp.Header, resp.Body, e.now())
	err := store.Put(ctx, snap)
	if errors.Is(err, cache.ErrStoreNotFound) {
		// Cleared while held open; re-open unless the version was retired.
		e.forget(store.Name())
		if fresh := e.store(ctx, store.Name()); fresh != nil {
			err = fresh.Put(ctx, snap)
		}
	}
	if err != nil {
		e.record("write_error", snap.Key, err.Error())
	}
}

func (e *Engine) lookup(ctx context.Context, store cache.Store, key string) (cache.Snapshot, bool) {
	if store == nil {
		return cache.Snapshot{}, false
	}
	snap, ok, err := store.Get(ctx, key)
	if err != nil {
		e.record("read_error", key, err.Error())
		return cache.Snapshot{}, false
	}
	return snap, ok
}

// store returns a handle for name, or nil when the store cannot be opened.
func (e *Engine) store(ctx context.Context, name string) cache.Store {
	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	if s, ok := e.handles[name]; ok {
		return s
	}
	s, err := e.storage.Open(ctx, name)
	if err != nil {
		e.record("open_error", name, err.Error())
		return nil
	}
	e.handles[name] = s
	return s
}

func (e *Engine) forget(name string) {
	e.handlesMu.Lock()
	delete(e.handles, name)
	e.handlesMu.Unlock()
}

// Close cancels detached work and waits for it to finish. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// Wait blocks until every revalidation and write-through started so far has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) record(kind, key, detail string) {
	e.diag.Record(component, kind, detail, map[string]string{"key": key})
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
