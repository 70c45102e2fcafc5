package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func netErr() error {
	return &upstream.NetworkError{Method: "GET", URL: "http://x", Err: errors.New("refused")}
}

func TestMonitor_ObserveTransitions(t *testing.T) {
	diag := diagnostics.NewRecorder(16)
	m := NewMonitor(diag)
	var restores atomic.Int32
	m.OnRestore(func(context.Context) { restores.Add(1) })

	assert.True(t, m.Online())

	m.Observe(netErr())
	assert.False(t, m.Online())

	// Only nil and network errors are fetch outcomes.
	m.Observe(&upstream.HTTPError{StatusCode: 500})
	assert.False(t, m.Online())

	m.Observe(nil)
	m.Wait()
	assert.True(t, m.Online())
	assert.Equal(t, int32(1), restores.Load())

	m.Observe(nil)
	m.Wait()
	assert.Equal(t, int32(1), restores.Load(), "online to online must not fire restore")

	counts := diag.Counts()
	assert.Equal(t, 1, counts["connectivity.offline"])
	assert.Equal(t, 1, counts["connectivity.online"])
}

func TestMonitor_RestoreCallbackPanicIsContained(t *testing.T) {
	m := NewMonitor(nil)
	var ran atomic.Bool
	m.OnRestore(func(context.Context) { panic("boom") })
	m.OnRestore(func(context.Context) { ran.Store(true) })

	m.ReportOffline("test")
	m.ReportOnline()
	m.Wait()
	assert.True(t, ran.Load())
}

func TestMonitor_StatusSince(t *testing.T) {
	m := NewMonitor(nil)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	m.ReportOffline("down")
	st := m.Status()
	assert.False(t, st.Online)
	assert.Equal(t, fixed, st.Since)
	assert.Equal(t, fixed, st.LastChecked)
}

func TestMonitor_Prober(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewMonitor(nil)
	m.ReportOffline("start")
	ctx, cancel := context.WithCancel(context.Background())
	done := m.StartProber(ctx, upstream.NewClient("", time.Second, nil), srv.URL, 10*time.Millisecond)

	require.Eventually(t, m.Online, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

type fetchFunc func(ctx context.Context, req *http.Request) (*upstream.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, req *http.Request) (*upstream.Response, error) {
	return f(ctx, req)
}

func TestObservingFetcher(t *testing.T) {
	m := NewMonitor(nil)
	down := true
	f := ObservingFetcher(fetchFunc(func(context.Context, *http.Request) (*upstream.Response, error) {
		if down {
			return nil, netErr()
		}
		return &upstream.Response{StatusCode: http.StatusServiceUnavailable}, nil
	}), m)
	req, _ := http.NewRequest(http.MethodGet, "http://x/", nil)

	_, err := f.Fetch(context.Background(), req)
	require.Error(t, err)
	assert.False(t, m.Online())

	down = false
	_, err = f.Fetch(context.Background(), req)
	require.NoError(t, err)
	m.Wait()
	assert.True(t, m.Online())

	down = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = f.Fetch(ctx, req)
	assert.True(t, m.Online())
}
