package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bassista/go_offline/internal/cache"
	"github.com/bassista/go_offline/internal/classifier"
	"github.com/bassista/go_offline/internal/clients"
	"github.com/bassista/go_offline/internal/config"
	"github.com/bassista/go_offline/internal/connectivity"
	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/lifecycle"
	"github.com/bassista/go_offline/internal/logger"
	"github.com/bassista/go_offline/internal/notify"
	"github.com/bassista/go_offline/internal/queue"
	"github.com/bassista/go_offline/internal/update"
	"github.com/bassista/go_offline/internal/upstream"
	"github.com/bassista/go_offline/internal/worker"
)

const diagnosticsCapacity = 256

// App is the application container (immutable dependencies + lifecycle context).
// It is not a request context; handlers should still use gin's request context.
type App struct {
	Config *config.Config

	Storage       cache.Storage
	Resolver      *upstream.Resolver
	Fetcher       upstream.Fetcher
	Manager       *lifecycle.Manager
	Registration  *lifecycle.Registration
	Queue         *queue.Queue
	Clients       *clients.Registry
	Notifications *notify.Center
	Monitor       *connectivity.Monitor
	Builds        *update.BuildRepository
	Negotiator    *update.Negotiator
	Worker        *worker.Worker
	Diagnostics   *diagnostics.Recorder

	BaseCtx context.Context
	Cancel  context.CancelFunc

	client    *upstream.Client
	queueDB   *queue.Store
	loops     []<-chan struct{}
	closeOnce sync.Once
}

// New opens the cache storage and the queue database and wires every
// component. Nothing runs in the background until StartWatchers.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{Config: cfg, BaseCtx: ctx, Cancel: cancel}
	if err := a.wire(); err != nil {
		a.Shutdown()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Config
	a.Diagnostics = diagnostics.NewRecorder(diagnosticsCapacity)

	resolver, err := upstream.NewResolver(cfg.Upstream.Origin, cfg.Upstream.Backend, cfg.Classifier.APIPrefixes)
	if err != nil {
		return err
	}
	a.Resolver = resolver

	a.Monitor = connectivity.NewMonitor(a.Diagnostics)
	a.Monitor.SetContext(a.BaseCtx)
	a.client = upstream.NewClient(cfg.Upstream.UserAgent, cfg.Upstream.FetchTimeout, nil)
	a.Fetcher = connectivity.ObservingFetcher(a.client, a.Monitor)

	storage, err := cache.NewStorageFromConfig(cfg.Cache.Backend, cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("open cache storage: %w", err)
	}
	a.Storage = storage

	a.Manager, err = lifecycle.NewManager(lifecycle.ManagerOptions{
		Storage:         storage,
		Fetcher:         a.Fetcher,
		Resolver:        resolver,
		Prefix:          cfg.Cache.Prefix,
		Warm:            cfg.Cache.Warm,
		WarmConcurrency: cfg.Cache.WarmConcurrency,
		Recorder:        a.Diagnostics,
	})
	if err != nil {
		return err
	}

	fallbacks := make(map[string][]byte, len(cfg.Cache.CriticalFallbacks))
	for _, fb := range cfg.Cache.CriticalFallbacks {
		fallbacks[fb.Path] = []byte(fb.Body)
	}
	a.Registration = lifecycle.NewRegistration(worker.NewFactory(worker.InstanceConfig{
		Fetcher:    a.Fetcher,
		Manager:    a.Manager,
		Manifest:   cfg.Cache.Precache,
		Fallbacks:  fallbacks,
		APITimeout: cfg.Upstream.APITimeout,
		Recorder:   a.Diagnostics,
	}), a.Diagnostics)

	a.queueDB, err = queue.OpenStore(a.BaseCtx, cfg.Queue.Path)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	domains := make([]queue.Domain, 0, len(cfg.Queue.Domains))
	for _, d := range cfg.Queue.Domains {
		domains = append(domains, queue.Domain{Name: d.Name, Endpoint: d.Endpoint})
	}
	a.Queue, err = queue.New(queue.Options{
		Store:    a.queueDB,
		Fetcher:  a.Fetcher,
		Resolver: resolver,
		Domains:  domains,
		Recorder: a.Diagnostics,
	})
	if err != nil {
		return err
	}

	a.Clients = clients.NewRegistry(a.Diagnostics)
	a.Notifications = notify.NewCenter(a.Clients, a.Diagnostics)

	a.Builds, err = update.NewBuildRepository(cfg.Update.BuildFile)
	if err != nil {
		return err
	}
	a.Negotiator, err = update.NewNegotiator(update.Options{
		Registration:     a.Registration,
		Source:           buildSource{repo: a.Builds, fallback: lifecycle.Build{Version: cfg.Cache.Version}},
		Clients:          a.Clients,
		RepromptInterval: cfg.Update.RepromptInterval,
		Recorder:         a.Diagnostics,
	})
	if err != nil {
		return err
	}

	a.Worker, err = worker.New(worker.Deps{
		Registration: a.Registration,
		Manager:      a.Manager,
		Classifier: classifier.New(classifier.Rules{
			AssetExtensions: cfg.Classifier.AssetExtensions,
			StaticSegments:  cfg.Classifier.StaticSegments,
			APIPrefixes:     cfg.Classifier.APIPrefixes,
			DynamicPrefixes: cfg.Classifier.DynamicPrefixes,
			BackendHost:     cfg.Upstream.BackendHost,
		}),
		Resolver:      resolver,
		Fetcher:       a.Fetcher,
		Queue:         a.Queue,
		Notifications: a.Notifications,
		Clients:       a.Clients,
		Monitor:       a.Monitor,
		Negotiator:    a.Negotiator,
		OfflinePage:   cfg.Cache.OfflinePage,
		Recorder:      a.Diagnostics,
	})
	if err != nil {
		return err
	}

	a.Monitor.OnRestore(a.replayOnRestore)
	return nil
}

// replayOnRestore drains every queue once the upstream is reachable again.
func (a *App) replayOnRestore(ctx context.Context) {
	a.Clients.Broadcast(clients.EventConnectivity, a.Monitor.Status())
	if _, err := a.Worker.Dispatch(ctx, worker.Event{Kind: worker.KindSync}); err != nil && ctx.Err() == nil {
		logger.WithComponent("app").Warnf("replay after reconnect: %v", err)
	}
}

// Bootstrap installs the current build. A failure leaves the proxy in
// pass-through mode; the update loop retries on its next check.
func (a *App) Bootstrap(ctx context.Context) error {
	if _, err := a.Negotiator.Check(ctx); err != nil {
		return fmt.Errorf("initial install: %w", err)
	}
	return nil
}

func (a *App) StartWatchers() {
	log := logger.WithComponent("app")
	cfg := a.Config

	a.loops = append(a.loops,
		queue.StartReplayScheduler(a.BaseCtx, a.Queue, cfg.Queue.ReplayInterval),
		a.Negotiator.Start(a.BaseCtx, cfg.Update.CheckInterval),
	)

	target, err := a.Resolver.Resolve(cfg.Upstream.HealthPath)
	if err != nil {
		log.Warnf("connectivity prober disabled: %v", err)
	} else {
		a.loops = append(a.loops, a.Monitor.StartProber(a.BaseCtx, a.client, target.String(), cfg.Connectivity.ProbeInterval))
	}

	if cfg.Update.Watch {
		if err := a.Builds.StartWatcher(a.BaseCtx, a.Negotiator.Trigger); err != nil {
			log.Warnf("cannot watch build file %s: %v", a.Builds.Path(), err)
		}
	}
}

// Shutdown stops the background loops and closes storage. Safe to call more
// than once.
func (a *App) Shutdown() {
	if a == nil || a.Cancel == nil {
		return
	}
	a.closeOnce.Do(func() {
		a.Cancel()
		for _, done := range a.loops {
			<-done
		}
		if a.Monitor != nil {
			a.Monitor.Wait()
		}
		if a.Registration != nil {
			a.Registration.Close()
		}
		if a.Queue != nil {
			_ = a.Queue.Close()
		} else if a.queueDB != nil {
			_ = a.queueDB.Close()
		}
		if a.Storage != nil {
			_ = a.Storage.Close()
		}
		if a.client != nil {
			a.client.CloseIdleConnections()
		}
	})
}

// buildSource falls back to the configured version while no build file has
// been deployed.
type buildSource struct {
	repo     *update.BuildRepository
	fallback lifecycle.Build
}

func (s buildSource) Load(ctx context.Context) (*lifecycle.Build, error) {
	build, err := s.repo.Load(ctx)
	if errors.Is(err, os.ErrNotExist) {
		b := s.fallback
		return &b, nil
	}
	return build, err
}
