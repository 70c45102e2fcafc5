package queue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassista/go_offline/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDomains = []Domain{
	{Name: "portfolio", Endpoint: "/api/portfolio/update"},
	{Name: "trading", Endpoint: "/api/trading/orders"},
}

type received struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

// upstreamStub records replayed requests and answers with the status picked by respond.
type upstreamStub struct {
	mu      sync.Mutex
	got     []received
	respond func(r *http.Request, body string) int
}

func (u *upstreamStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.got = append(u.got, received{Method: r.Method, Path: r.URL.Path, Body: string(b), Auth: r.Header.Get("Authorization")})
	u.mu.Unlock()
	code := http.StatusOK
	if u.respond != nil {
		code = u.respond(r, string(b))
	}
	w.WriteHeader(code)
}

func (u *upstreamStub) requests() []received {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]received(nil), u.got...)
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestQueue(t *testing.T, baseURL string) *Queue {
	t.Helper()
	resolver, err := upstream.NewResolver(baseURL, "", []string{"/api/"})
	require.NoError(t, err)
	var tick atomic.Int64
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q, err := New(Options{
		Store:    openTempStore(t),
		Fetcher:  upstream.NewClient("test", 2*time.Second, nil),
		Resolver: resolver,
		Domains:  testDomains,
		Now:      func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) },
	})
	require.NoError(t, err)
	return q
}

func enqueue(t *testing.T, q *Queue, domain, endpoint, body string) Record {
	t.Helper()
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer token")
	h.Set("Cookie", "session=1")
	rec, err := q.Enqueue(context.Background(), domain, http.MethodPost, endpoint, []byte(body), h)
	require.NoError(t, err)
	return rec
}

func TestQueue_Match(t *testing.T) {
	q := newTestQueue(t, "http://127.0.0.1:1")
	tests := []struct {
		method, path string
		want         string
		ok           bool
	}{
		{http.MethodPost, "/api/portfolio/update", "portfolio", true},
		{http.MethodPut, "/api/portfolio/update/", "portfolio", true},
		{http.MethodPost, "/api/trading/orders", "trading", true},
		{http.MethodDelete, "/api/trading/orders/42", "trading", true},
		{http.MethodGet, "/api/trading/orders", "", false},
		{http.MethodPatch, "/api/trading/orders/42", "trading", true},
		{http.MethodTrace, "/api/trading/orders", "", false},
		{"PROPFIND", "/api/portfolio/update", "", false},
		{http.MethodPost, "/api/trading/ordersx", "", false},
		{http.MethodPost, "/api/agents", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			d, ok := q.Match(tt.method, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, d.Name)
		})
	}
}

func TestQueue_EnqueuePersistsRecord(t *testing.T) {
	q := newTestQueue(t, "http://127.0.0.1:1")
	rec := enqueue(t, q, "trading", "/api/trading/orders?dry=1", `{"symbol":"AAPL"}`)

	assert.NotEmpty(t, rec.ID)
	assert.Zero(t, rec.Retries)
	assert.Equal(t, map[string]string{"Content-Type": "application/json", "Authorization": "Bearer token"}, rec.Headers)

	list, err := q.List(context.Background(), "trading")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
	assert.Equal(t, `{"symbol":"AAPL"}`, string(list[0].Payload))
	assert.Equal(t, rec.CreatedAt.UnixMilli(), list[0].CreatedAt.UnixMilli())

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"portfolio": 0, "trading": 1}, pending)
}

func TestQueue_EnqueueUnknownDomain(t *testing.T) {
	q := newTestQueue(t, "http://127.0.0.1:1")
	_, err := q.Enqueue(context.Background(), "crypto", http.MethodPost, "/api/crypto", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownDomain)
	_, err = q.Replay(context.Background(), "crypto")
	assert.ErrorIs(t, err, ErrUnknownDomain)
}

func TestQueue_ReplayFIFOAndDelete(t *testing.T) {
	stub := &upstreamStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	q := newTestQueue(t, srv.URL)

	enqueue(t, q, "portfolio", "/api/portfolio/update", `{"n":1}`)
	enqueue(t, q, "portfolio", "/api/portfolio/update", `{"n":2}`)
	enqueue(t, q, "portfolio", "/api/portfolio/update", `{"n":3}`)

	report, err := q.Replay(context.Background(), "portfolio")
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Domain: "portfolio", Attempted: 3, Succeeded: 3}, report)

	got := stub.requests()
	require.Len(t, got, 3)
	for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		assert.Equal(t, want, got[i].Body)
		assert.Equal(t, http.MethodPost, got[i].Method)
		assert.Equal(t, "Bearer token", got[i].Auth)
	}

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending["portfolio"])
}

func TestQueue_ReplayRejectedRecordStaysAndPassContinues(t *testing.T) {
	stub := &upstreamStub{respond: func(_ *http.Request, body string) int {
		if body == `{"n":1}` {
			return http.StatusUnprocessableEntity
		}
		return http.StatusCreated
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	q := newTestQueue(t, srv.URL)

	first := enqueue(t, q, "trading", "/api/trading/orders", `{"n":1}`)
	enqueue(t, q, "trading", "/api/trading/orders", `{"n":2}`)

	report, err := q.Replay(context.Background(), "trading")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Remaining)
	assert.False(t, report.Interrupted)

	list, err := q.List(context.Background(), "trading")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, 1, list[0].Retries)
	assert.Contains(t, list[0].LastError, "422")

	_, err = q.Replay(context.Background(), "trading")
	require.NoError(t, err)
	list, err = q.List(context.Background(), "trading")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Retries)
}

func TestQueue_ReplayNetworkFailureStopsDomainOnly(t *testing.T) {
	stub := &upstreamStub{}
	srv := httptest.NewServer(stub)
	q := newTestQueue(t, srv.URL)

	enqueue(t, q, "portfolio", "/api/portfolio/update", `{"n":1}`)
	enqueue(t, q, "portfolio", "/api/portfolio/update", `{"n":2}`)
	srv.Close()

	report, err := q.Replay(context.Background(), "portfolio")
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 2, report.Remaining)

	list, err := q.List(context.Background(), "portfolio")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Retries)
	assert.NotEmpty(t, list[0].LastError)
	assert.Zero(t, list[1].Retries)
}

func TestQueue_ReplayAllDomainsIndependent(t *testing.T) {
	stub := &upstreamStub{respond: func(r *http.Request, _ string) int {
		if r.URL.Path == "/api/trading/orders" {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	q := newTestQueue(t, srv.URL)

	enqueue(t, q, "portfolio", "/api/portfolio/update", `{"p":1}`)
	enqueue(t, q, "trading", "/api/trading/orders", `{"t":1}`)

	reports, err := q.ReplayAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "portfolio", reports[0].Domain)
	assert.Equal(t, 1, reports[0].Succeeded)
	assert.Equal(t, "trading", reports[1].Domain)
	assert.Equal(t, 1, reports[1].Failed)

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"portfolio": 0, "trading": 1}, pending)
}

func TestQueue_RecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := OpenStore(context.Background(), path)
	require.NoError(t, err)
	rec := Record{
		ID:        "0b5b1f3e-9d8c-4f59-8c61-0d6f6b8f2a11",
		Domain:    "trading",
		Endpoint:  "/api/trading/orders",
		Method:    http.MethodPost,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Append(context.Background(), rec))
	require.NoError(t, store.Close())

	store, err = OpenStore(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()
	list, err := store.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestStore_AppendValidation(t *testing.T) {
	store := openTempStore(t)
	err := store.Append(context.Background(), Record{Domain: "trading", Method: "GET"})
	assert.Error(t, err)
}

func TestStore_MissingRecord(t *testing.T) {
	store := openTempStore(t)
	assert.ErrorIs(t, store.Delete(context.Background(), "nope"), ErrNotFound)
	assert.ErrorIs(t, store.MarkFailed(context.Background(), "nope", "x"), ErrNotFound)
}

func TestExtractUp(t *testing.T) {
	sql := "-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (x INT);\n", extractUp(sql))
	assert.Equal(t, "SELECT 1;", extractUp("SELECT 1;"))
}

func TestStartReplayScheduler_StopsOnCancel(t *testing.T) {
	stub := &upstreamStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()
	q := newTestQueue(t, srv.URL)
	enqueue(t, q, "portfolio", "/api/portfolio/update", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := StartReplayScheduler(ctx, q, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := q.Pending(context.Background())
		return err == nil && pending["portfolio"] == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestQueue_MatchedMethodsAreEnqueueable(t *testing.T) {
	q := newTestQueue(t, "http://127.0.0.1:1")
	methods := []string{
		http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodTrace, http.MethodConnect, "PROPFIND",
	}
	for _, m := range methods {
		t.Run(m, func(t *testing.T) {
			d, ok := q.Match(m, "/api/trading/orders")
			_, err := q.Enqueue(context.Background(), "trading", m, "/api/trading/orders", nil, nil)
			if ok {
				assert.Equal(t, "trading", d.Name)
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestQueue_ReplaySurvivesCallerGivingUp(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	q := newTestQueue(t, srv.URL)
	enqueue(t, q, "portfolio", "/api/portfolio/update", `{"n":1}`)

	impatient, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := q.Replay(impatient, "portfolio")
		firstDone <- err
	}()
	<-arrived

	// The caller stops waiting, the pass keeps going.
	cancel()
	assert.ErrorIs(t, <-firstDone, context.Canceled)
	close(release)

	require.Eventually(t, func() bool {
		pending, err := q.Pending(context.Background())
		return err == nil && pending["portfolio"] == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueue_CloseEndsPendingReplay(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case arrived <- struct{}{}:
		default:
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)
	q := newTestQueue(t, srv.URL)
	enqueue(t, q, "trading", "/api/trading/orders", `{}`)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Replay(context.Background(), "trading")
	}()
	<-arrived

	require.NoError(t, q.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("replay still running after Close")
	}
	_, err := q.Replay(context.Background(), "trading")
	assert.Error(t, err)
}
