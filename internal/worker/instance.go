package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/lifecycle"
	"github.com/bassista/go_offline/internal/strategy"
	"github.com/bassista/go_offline/internal/upstream"
)

// InstanceConfig is shared by every worker version.
type InstanceConfig struct {
	Fetcher upstream.Fetcher
	// Manager provisions the stores and hands them out to each engine.
	Manager  *lifecycle.Manager
	Manifest []string
	// Fallbacks maps critical API paths to offline payloads.
	Fallbacks         map[string][]byte
	APITimeout        time.Duration
	RevalidateTimeout time.Duration
	Recorder          *diagnostics.Recorder
}

// Instance is one worker version: its stores and its strategy engine.
type Instance struct {
	build    lifecycle.Build
	names    lifecycle.StoreNames
	precache []string
	manager  *lifecycle.Manager
	engine   *strategy.Engine
	report   lifecycle.InstallReport
}

// NewFactory returns the lifecycle factory building instances from cfg.
func NewFactory(cfg InstanceConfig) lifecycle.Factory {
	return func(build lifecycle.Build) (lifecycle.Generation, error) {
		return NewInstance(cfg, build)
	}
}

func NewInstance(cfg InstanceConfig, build lifecycle.Build) (*Instance, error) {
	if cfg.Manager == nil {
		return nil, errors.New("lifecycle manager is nil")
	}
	names := cfg.Manager.Names(build.Version)
	engine, err := strategy.NewEngine(strategy.Options{
		Storage:           cfg.Manager,
		Fetcher:           cfg.Fetcher,
		Stores:            names,
		APITimeout:        cfg.APITimeout,
		RevalidateTimeout: cfg.RevalidateTimeout,
		Fallbacks:         cfg.Fallbacks,
		Recorder:          cfg.Recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("strategy engine: %w", err)
	}
	precache := append(append([]string(nil), cfg.Manifest...), build.Precache...)
	return &Instance{
		build:    build,
		names:    names,
		precache: precache,
		manager:  cfg.Manager,
		engine:   engine,
	}, nil
}

func (i *Instance) Version() string { return i.build.Version }

func (i *Instance) Stores() lifecycle.StoreNames { return i.names }

func (i *Instance) Engine() *strategy.Engine { return i.engine }

func (i *Instance) Report() lifecycle.InstallReport { return i.report }

func (i *Instance) Install(ctx context.Context) error {
	report, err := i.manager.Install(ctx, i.build.Version, i.precache)
	i.report = report
	return err
}

func (i *Instance) Activate(ctx context.Context) error {
	_, err := i.manager.Activate(ctx, i.build.Version)
	return err
}

func (i *Instance) Teardown() {
	i.engine.Close()
}

var _ lifecycle.Generation = (*Instance)(nil)
