package route

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bassista/go_offline/internal/app"
	"github.com/bassista/go_offline/internal/config"
	"github.com/bassista/go_offline/internal/lifecycle"
	"github.com/bassista/go_offline/internal/logger"
	"github.com/bassista/go_offline/internal/strategy"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *app.App) {
	t.Helper()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("upstream " + r.URL.Path))
	}))
	t.Cleanup(up.Close)

	dir := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{RequestTimeout: time.Second, CORSAllowedOrigins: "http://localhost:5173"},
		Upstream: config.UpstreamConfig{
			Origin:       up.URL,
			Backend:      up.URL,
			FetchTimeout: 2 * time.Second,
			APITimeout:   time.Second,
			HealthPath:   "/",
		},
		Cache: config.CacheConfig{
			Backend:         config.CacheBackendMemory,
			Prefix:          "route",
			Version:         "v1",
			Precache:        []string{"/"},
			WarmConcurrency: 1,
		},
		Classifier: config.ClassifierConfig{
			AssetExtensions: []string{".js"},
			APIPrefixes:     []string{"/api/"},
		},
		Queue: config.QueueConfig{
			Path:           filepath.Join(dir, "queue.db"),
			ReplayInterval: time.Hour,
			Domains:        []config.DomainConfig{{Name: "trading", Endpoint: "/api/trading/orders"}},
		},
		Update:       config.UpdateConfig{BuildFile: filepath.Join(dir, "worker-build.json"), CheckInterval: time.Hour, RepromptInterval: time.Hour},
		Connectivity: config.ConnectivityConfig{ProbeInterval: time.Hour},
	}
	a, err := app.New(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)
	require.NoError(t, a.Bootstrap(context.Background()))
	return SetupRoutes(a, logger.Logger), a
}

func TestSetupRoutes_Health(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"UP","online":true}`, w.Body.String())
}

func TestSetupRoutes_UnmatchedPathsAreProxied(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/assets/app.js", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "upstream /assets/app.js", w.Body.String())
	assert.Equal(t, string(strategy.CacheFirst), w.Header().Get(strategy.HeaderStrategy))

	// Second hit comes from the static store.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, string(strategy.SourceCache), w.Header().Get(strategy.HeaderSource))
}

func TestSetupRoutes_OfflineEndpoints(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/__offline/stats", http.StatusOK},
		{http.MethodGet, "/__offline/version", http.StatusOK},
		{http.MethodGet, "/__offline/queue", http.StatusOK},
		{http.MethodGet, "/__offline/update", http.StatusOK},
		{http.MethodGet, "/__offline/notifications", http.StatusOK},
		{http.MethodGet, "/__offline/clients", http.StatusOK},
		{http.MethodPost, "/__offline/update/accept", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(tt.method, tt.path, nil)
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestSetupRoutes_PublishInstallsWaitingBuild(t *testing.T) {
	r, a := setupRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/__offline/update/publish", strings.NewReader(`{"version":"v2"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, lifecycle.Status{State: lifecycle.StateInstalled, Active: "v1", Waiting: "v2"}, a.Registration.Status())
	build, err := a.Builds.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", build.Version)
}

func TestSetupRoutes_CORS(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodOptions, "/__offline/stats", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}
