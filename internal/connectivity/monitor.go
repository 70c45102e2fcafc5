// Package connectivity tracks whether the upstream is reachable.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/logger"
	"github.com/bassista/go_offline/internal/upstream"
)

const component = "connectivity"

// Status is what the UI indicator shows.
type Status struct {
	Online      bool      `json:"online"`
	Since       time.Time `json:"since"`
	LastChecked time.Time `json:"lastChecked,omitempty"`
}

// Monitor starts online. An offline to online transition fires the restore
// callbacks, each in its own goroutine.
type Monitor struct {
	mu          sync.RWMutex
	online      bool
	since       time.Time
	lastChecked time.Time
	onRestore   []func(ctx context.Context)

	diag *diagnostics.Recorder
	now  func() time.Time

	// restoreCtx bounds callbacks started by a transition.
	restoreCtx context.Context
	wg         sync.WaitGroup
}

func NewMonitor(diag *diagnostics.Recorder) *Monitor {
	return &Monitor{
		online:     true,
		since:      time.Now(),
		diag:       diag,
		now:        time.Now,
		restoreCtx: context.Background(),
	}
}

// OnRestore registers fn to run when connectivity comes back.
func (m *Monitor) OnRestore(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRestore = append(m.onRestore, fn)
}

// SetContext sets the context handed to restore callbacks.
func (m *Monitor) SetContext(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreCtx = ctx
}

// Observe feeds a fetch outcome: a network error means offline, any response
// means online.
func (m *Monitor) Observe(err error) {
	switch {
	case err == nil:
		m.set(true, "")
	case upstream.IsNetworkError(err):
		m.set(false, err.Error())
	}
}

// ReportOnline and ReportOffline set the state directly.
func (m *Monitor) ReportOnline()               { m.set(true, "") }
func (m *Monitor) ReportOffline(reason string) { m.set(false, reason) }

func (m *Monitor) set(online bool, reason string) {
	m.mu.Lock()
	now := m.now()
	m.lastChecked = now
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.since = now
	var callbacks []func(context.Context)
	if online {
		callbacks = append(callbacks, m.onRestore...)
	}
	ctx := m.restoreCtx
	m.mu.Unlock()

	if !online {
		m.diag.Record(component, "offline", reason, nil)
		return
	}
	m.diag.Record(component, "online", "", nil)
	for _, fn := range callbacks {
		m.wg.Add(1)
		go func(fn func(context.Context)) {
			defer m.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.WithComponent(component).Errorf("restore callback panicked: %v", r)
				}
			}()
			fn(ctx)
		}(fn)
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{Online: m.online, Since: m.since, LastChecked: m.lastChecked}
}

// Wait blocks until running restore callbacks have returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Probe fetches target once and records the outcome.
func (m *Monitor) Probe(ctx context.Context, fetcher upstream.Fetcher, target string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		logger.WithComponent(component).Errorf("invalid probe target %q: %v", target, err)
		return
	}
	_, err = fetcher.Fetch(ctx, req)
	if ctx.Err() != nil {
		return
	}
	m.Observe(err)
}

// StartProber probes target every interval until ctx is done. The returned
// channel is closed once the prober has stopped.
func (m *Monitor) StartProber(ctx context.Context, fetcher upstream.Fetcher, target string, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	log := logger.WithComponent(component)
	if interval <= 0 {
		close(done)
		return done
	}
	log.Debugf("starting connectivity prober for %s every %v", target, interval)
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("connectivity prober stopped")
				return
			case <-ticker.C:
				m.Probe(ctx, fetcher, target)
			}
		}
	}()
	return done
}
