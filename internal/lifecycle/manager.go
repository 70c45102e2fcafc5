package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassista/go_offline/internal/cache"
	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/upstream"
	"golang.org/x/sync/errgroup"
)

const (
	component = "lifecycle"

	DefaultWarmConcurrency = 4
)

// ErrStoreRetired is returned when opening a store of a deactivated version.
var ErrStoreRetired = errors.New("cache store retired")

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Storage  cache.Storage
	Fetcher  upstream.Fetcher
	Resolver *upstream.Resolver
	Prefix   string
	// Warm lists API endpoints fetched into the API store during install.
	Warm            []string
	WarmConcurrency int
	Recorder        *diagnostics.Recorder
	Now             func() time.Time
}

// Manager provisions and retires the versioned cache stores.
type Manager struct {
	storage         cache.Storage
	fetcher         upstream.Fetcher
	resolver        *upstream.Resolver
	prefix          string
	warm            []string
	warmConcurrency int
	diag            *diagnostics.Recorder
	now             func() time.Time

	// mu orders Open against the purge in Activate.
	mu        sync.Mutex
	installed map[string]struct{}
	retired   map[string]struct{}
}

// InstallReport summarizes one install.
type InstallReport struct {
	Version      string   `json:"version"`
	Precached    int      `json:"precached"`
	Warmed       int      `json:"warmed"`
	WarmFailures []string `json:"warmFailures,omitempty"`
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is nil")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is nil")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is nil")
	}
	if opts.Prefix == "" {
		return nil, errors.New("store prefix is required")
	}
	if opts.WarmConcurrency <= 0 {
		opts.WarmConcurrency = DefaultWarmConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		storage:         opts.Storage,
		fetcher:         opts.Fetcher,
		resolver:        opts.Resolver,
		prefix:          opts.Prefix,
		warm:            append([]string(nil), opts.Warm...),
		warmConcurrency: opts.WarmConcurrency,
		diag:            opts.Recorder,
		now:             opts.Now,
		installed:       map[string]struct{}{},
		retired:         map[string]struct{}{},
	}, nil
}

// Names returns the store names of version.
func (m *Manager) Names(version string) StoreNames {
	return NamesFor(m.prefix, version)
}

// Open returns a handle to the named store. Stores of a version retired by
// Activate are never re-created, so late writes of that version fail.
func (m *Manager) Open(ctx context.Context, name string) (cache.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.retired[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreRetired, name)
	}
	return m.storage.Open(ctx, name)
}

// Install populates the stores of version. Every precache path must succeed;
// warm-up failures are recorded and skipped.
func (m *Manager) Install(ctx context.Context, version string, precache []string) (InstallReport, error) {
	names := m.Names(version)
	report := InstallReport{Version: version}

	m.mu.Lock()
	m.installed[version] = struct{}{}
	for _, n := range names.All() {
		delete(m.retired, n)
	}
	m.mu.Unlock()

	static, err := m.Open(ctx, names.Static)
	if err != nil {
		return report, fmt.Errorf("open %s: %w", names.Static, err)
	}
	for _, p := range dedupe(precache) {
		if err := m.fetchInto(ctx, static, p); err != nil {
			m.diag.Record(component, "precache_failed", err.Error(), map[string]string{"path": p, "version": version})
			return report, fmt.Errorf("precache %s: %w", p, err)
		}
		report.Precached++
	}

	api, err := m.Open(ctx, names.API)
	if err != nil {
		// The API store only backs offline reads; install still succeeds.
		m.diag.Record(component, "warm_error", err.Error(), map[string]string{"version": version})
		return report, nil
	}

	var warmed atomic.Int32
	failures := make([]string, len(m.warm))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.warmConcurrency)
	for i, p := range m.warm {
		g.Go(func() error {
			if err := m.fetchInto(gctx, api, p); err != nil {
				failures[i] = p
				m.diag.Record(component, "warm_failed", err.Error(), map[string]string{"path": p, "version": version})
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report.Warmed = int(warmed.Load())
	for _, f := range failures {
		if f != "" {
			report.WarmFailures = append(report.WarmFailures, f)
		}
	}
	m.diag.Record(component, "installed", version, map[string]string{
		"precached": fmt.Sprint(report.Precached),
		"warmed":    fmt.Sprint(report.Warmed),
	})
	return report, nil
}

// fetchInto stores the upstream response for path. Non-2xx is an error.
func (m *Manager) fetchInto(ctx context.Context, store cache.Store, path string) error {
	target, err := m.resolver.Resolve(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	snap := cache.NewSnapshot(req.Method, req.URL, resp.StatusCode, resp.Header, resp.Body, m.now())
	if err := store.Put(ctx, snap); err != nil {
		return fmt.Errorf("store %s: %w", path, err)
	}
	return nil
}

// Activate deletes every store that does not belong to version and returns
// the purged names.
func (m *Manager) Activate(ctx context.Context, version string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.Names(version)
	installed, retired := cloneSet(m.installed), cloneSet(m.retired)
	restore := func() { m.installed, m.retired = installed, retired }
	m.installed[version] = struct{}{}

	// Retire first: from here on no other version can open a store.
	for v := range m.installed {
		if v == version {
			continue
		}
		for _, n := range m.Names(v).All() {
			m.retired[n] = struct{}{}
		}
		delete(m.installed, v)
	}

	all, err := m.storage.Names(ctx)
	if err != nil {
		restore()
		return nil, fmt.Errorf("list stores: %w", err)
	}

	var purged []string
	for _, name := range all {
		if current.Contains(name) {
			continue
		}
		m.retired[name] = struct{}{}
		if err := m.storage.DeleteStore(ctx, name); err != nil && !errors.Is(err, cache.ErrStoreNotFound) {
			// The previous version keeps serving and may re-open what was purged.
			restore()
			return purged, fmt.Errorf("delete store %s: %w", name, err)
		}
		purged = append(purged, name)
		m.diag.Record(component, "store_purged", name, map[string]string{"version": version})
	}
	m.diag.Record(component, "activated", version, nil)
	return purged, nil
}

// ClearAll deletes every store, current version included.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	for _, name := range all {
		if err := m.storage.DeleteStore(ctx, name); err != nil && !errors.Is(err, cache.ErrStoreNotFound) {
			return fmt.Errorf("delete store %s: %w", name, err)
		}
	}
	m.diag.Record(component, "stores_purged", "all", map[string]string{"count": fmt.Sprint(len(all))})
	return nil
}

func (m *Manager) Stats(ctx context.Context) ([]cache.StoreStats, error) {
	return m.storage.Stats(ctx)
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
