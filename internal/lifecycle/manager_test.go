package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bassista/go_offline/internal/cache"
	"github.com/bassista/go_offline/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]int
	offline   map[string]bool
	seen      []string
}

func (f *stubFetcher) Fetch(_ context.Context, req *http.Request) (*upstream.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req.URL.Path)
	if f.offline[req.URL.Path] {
		return nil, &upstream.NetworkError{Method: req.Method, URL: req.URL.String(), Err: errors.New("dial tcp: refused")}
	}
	code, ok := f.responses[req.URL.Path]
	if !ok {
		code = http.StatusOK
	}
	return &upstream.Response{StatusCode: code, Header: http.Header{}, Body: []byte("body of " + req.URL.Path)}, nil
}

func newTestManager(t *testing.T, f upstream.Fetcher, warm []string) (*Manager, *cache.MemoryStorage) {
	t.Helper()
	storage := cache.NewMemoryStorage()
	resolver, err := upstream.NewResolver("http://app.local", "http://api.local", []string{"/api/"})
	require.NoError(t, err)
	m, err := NewManager(ManagerOptions{
		Storage:  storage,
		Fetcher:  f,
		Resolver: resolver,
		Prefix:   "trading-app",
		Warm:     warm,
	})
	require.NoError(t, err)
	return m, storage
}

func TestNamesFor(t *testing.T) {
	n := NamesFor("trading-app", "v2")
	assert.Equal(t, "trading-app-static-v2", n.Static)
	assert.Equal(t, "trading-app-dynamic-v2", n.Dynamic)
	assert.Equal(t, "trading-app-api-v2", n.API)
	assert.True(t, n.Contains("trading-app-api-v2"))
	assert.False(t, n.Contains("trading-app-api-v1"))
	assert.Len(t, n.All(), 3)
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(ManagerOptions{})
	assert.Error(t, err)
}

func TestManager_Install_PrecachesAndWarms(t *testing.T) {
	f := &stubFetcher{
		responses: map[string]int{"/api/market-data": http.StatusServiceUnavailable},
		offline:   map[string]bool{"/api/notifications": true},
	}
	m, storage := newTestManager(t, f, []string{"/api/agents", "/api/portfolio", "/api/market-data", "/api/notifications"})
	ctx := context.Background()

	report, err := m.Install(ctx, "v1", []string{"/", "/index.html", "/index.html"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Precached)
	assert.Equal(t, 2, report.Warmed)
	assert.ElementsMatch(t, []string{"/api/market-data", "/api/notifications"}, report.WarmFailures)

	static, err := storage.Open(ctx, "trading-app-static-v1")
	require.NoError(t, err)
	n, err := static.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	api, err := storage.Open(ctx, "trading-app-api-v1")
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, "http://api.local/api/agents", nil)
	snap, found, err := api.Get(ctx, cache.Key(req.Method, req.URL))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "body of /api/agents", string(snap.Body))
}

func TestManager_Install_PrecacheFailureAborts(t *testing.T) {
	tests := []struct {
		name string
		f    *stubFetcher
	}{
		{"network error", &stubFetcher{offline: map[string]bool{"/manifest.json": true}}},
		{"bad status", &stubFetcher{responses: map[string]int{"/manifest.json": http.StatusNotFound}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, tt.f, []string{"/api/agents"})
			_, err := m.Install(context.Background(), "v1", []string{"/", "/manifest.json"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "/manifest.json")
			for _, p := range tt.f.seen {
				assert.False(t, strings.HasPrefix(p, "/api/"), "warm-up must not run after a precache failure")
			}
		})
	}
}

func TestManager_Activate_PurgesOtherVersions(t *testing.T) {
	m, storage := newTestManager(t, &stubFetcher{}, nil)
	ctx := context.Background()
	for _, name := range append(NamesFor("trading-app", "v1").All(), NamesFor("trading-app", "v2").All()...) {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}

	purged, err := m.Activate(ctx, "v2")
	require.NoError(t, err)
	assert.ElementsMatch(t, NamesFor("trading-app", "v1").All(), purged)

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, NamesFor("trading-app", "v2").All(), names)
}

func TestManager_ClearAllAndStats(t *testing.T) {
	m, _ := newTestManager(t, &stubFetcher{}, []string{"/api/agents"})
	ctx := context.Background()
	_, err := m.Install(ctx, "v1", []string{"/"})
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	total := 0
	for _, s := range stats {
		total += s.EntryCount
	}
	assert.Equal(t, 2, total)

	require.NoError(t, m.ClearAll(ctx))
	stats, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestManager_Activate_RetiresOtherVersions(t *testing.T) {
	m, storage := newTestManager(t, &stubFetcher{}, nil)
	ctx := context.Background()
	_, err := m.Install(ctx, "v1", []string{"/"})
	require.NoError(t, err)
	_, err = m.Install(ctx, "v2", []string{"/"})
	require.NoError(t, err)

	held, err := m.Open(ctx, "trading-app-static-v1")
	require.NoError(t, err)

	_, err = m.Activate(ctx, "v2")
	require.NoError(t, err)

	// Neither a held handle nor a fresh open can bring a v1 store back.
	req, _ := http.NewRequest(http.MethodGet, "http://app.local/late.js", nil)
	err = held.Put(ctx, cache.NewSnapshot(req.Method, req.URL, http.StatusOK, nil, []byte("late"), time.Now()))
	assert.ErrorIs(t, err, cache.ErrStoreNotFound)
	for _, name := range NamesFor("trading-app", "v1").All() {
		_, err = m.Open(ctx, name)
		assert.ErrorIs(t, err, ErrStoreRetired, name)
	}
	names, err := storage.Names(ctx)
	require.NoError(t, err)
	for _, n := range names {
		assert.True(t, strings.HasSuffix(n, "-v2"), n)
	}

	// Installing v1 again is a rollback, its stores come back.
	_, err = m.Install(ctx, "v1", []string{"/"})
	require.NoError(t, err)
	_, err = m.Open(ctx, "trading-app-dynamic-v1")
	assert.NoError(t, err)
}

func TestManager_FailedActivationKeepsPreviousStoresOpenable(t *testing.T) {
	m, _ := newTestManager(t, &stubFetcher{}, nil)
	ctx := context.Background()
	_, err := m.Install(ctx, "v1", []string{"/"})
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Activate(cctx, "v2")
	require.Error(t, err)

	_, err = m.Open(ctx, "trading-app-static-v1")
	assert.NoError(t, err)
}
