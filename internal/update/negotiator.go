package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bassista/go_offline/internal/clients"
	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/lifecycle"
	"github.com/bassista/go_offline/internal/logger"
)

const (
	component = "update"

	DefaultRepromptInterval = 30 * time.Minute
)

var ErrNoUpdate = errors.New("no update available")

type State string

const (
	NoUpdate       State = "no-update"
	UpdateDetected State = "update-detected"
	UserPrompted   State = "user-prompted"
	Accepted       State = "accepted"
	Deferred       State = "deferred"
)

// Registration is the part of lifecycle.Registration the negotiator drives.
type Registration interface {
	Install(ctx context.Context, build lifecycle.Build) (lifecycle.State, error)
	SkipWaiting(ctx context.Context) error
	Status() lifecycle.Status
	OnControllerChange(fn func(version string))
}

// BuildSource yields the latest published build.
type BuildSource interface {
	Load(ctx context.Context) (*lifecycle.Build, error)
}

type Broadcaster interface {
	Broadcast(event string, data any) int
}

type Options struct {
	Registration     Registration
	Source           BuildSource
	Clients          Broadcaster
	RepromptInterval time.Duration
	Recorder         *diagnostics.Recorder
	Now              func() time.Time
}

// Status is the negotiator state shown to the app.
type Status struct {
	State      State     `json:"state"`
	Active     string    `json:"active,omitempty"`
	Available  string    `json:"available,omitempty"`
	PromptedAt time.Time `json:"promptedAt,omitempty"`
	DeferredAt time.Time `json:"deferredAt,omitempty"`
}

// Negotiator moves NoUpdate → UpdateDetected → UserPrompted → Accepted|Deferred.
// The reload event is sent only from the controller-change callback, once
// per accepted update.
type Negotiator struct {
	reg      Registration
	source   BuildSource
	clients  Broadcaster
	reprompt time.Duration
	diag     *diagnostics.Recorder
	now      func() time.Time

	mu            sync.Mutex
	state         State
	available     string
	promptedAt    time.Time
	deferredAt    time.Time
	reloadPending bool

	checkMu sync.Mutex
	trigger chan struct{}
}

func NewNegotiator(opts Options) (*Negotiator, error) {
	if opts.Registration == nil {
		return nil, errors.New("registration is nil")
	}
	if opts.Source == nil {
		return nil, errors.New("build source is nil")
	}
	if opts.RepromptInterval <= 0 {
		opts.RepromptInterval = DefaultRepromptInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	n := &Negotiator{
		reg:      opts.Registration,
		source:   opts.Source,
		clients:  opts.Clients,
		reprompt: opts.RepromptInterval,
		diag:     opts.Recorder,
		now:      opts.Now,
		state:    NoUpdate,
		trigger:  make(chan struct{}, 1),
	}
	n.reg.OnControllerChange(n.onControllerChange)
	return n, nil
}

// Check loads the latest build, installs it when new, and prompts the user
// if a worker is waiting.
func (n *Negotiator) Check(ctx context.Context) (State, error) {
	n.checkMu.Lock()
	defer n.checkMu.Unlock()

	build, err := n.source.Load(ctx)
	if err != nil {
		return n.State(), fmt.Errorf("load build: %w", err)
	}
	if _, err := n.reg.Install(ctx, *build); err != nil {
		return n.State(), err
	}
	return n.evaluate(), nil
}

func (n *Negotiator) evaluate() State {
	waiting := n.reg.Status().Waiting

	n.mu.Lock()
	if waiting == "" {
		if n.state != Accepted {
			n.state = NoUpdate
			n.available = ""
		}
		st := n.state
		n.mu.Unlock()
		return st
	}

	if waiting != n.available {
		n.available = waiting
		n.state = UpdateDetected
		n.diag.Record(component, "update_detected", waiting, nil)
	}

	prompt := false
	switch n.state {
	case UpdateDetected:
		prompt = true
	case Deferred:
		prompt = n.now().Sub(n.deferredAt) >= n.reprompt
	}
	if prompt {
		n.state = UserPrompted
		n.promptedAt = n.now()
	}
	st := n.state
	n.mu.Unlock()

	if prompt {
		n.broadcast(clients.EventUpdateAvailable, map[string]string{"version": waiting})
		n.diag.Record(component, "user_prompted", waiting, nil)
	}
	return st
}

// Accept activates the waiting worker. The app reloads when the controller
// actually changes; a failed activation sends nothing.
func (n *Negotiator) Accept(ctx context.Context) error {
	n.mu.Lock()
	if n.reg.Status().Waiting == "" {
		n.mu.Unlock()
		return ErrNoUpdate
	}
	n.state = Accepted
	n.reloadPending = true
	n.mu.Unlock()

	if err := n.reg.SkipWaiting(ctx); err != nil {
		n.mu.Lock()
		n.reloadPending = false
		if n.state == Accepted {
			n.state = UpdateDetected
		}
		n.mu.Unlock()
		n.diag.Record(component, "accept_failed", err.Error(), nil)
		return err
	}
	return nil
}

// Defer keeps the current worker; the prompt returns after the reprompt interval.
func (n *Negotiator) Defer() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reg.Status().Waiting == "" {
		return ErrNoUpdate
	}
	n.state = Deferred
	n.deferredAt = n.now()
	n.diag.Record(component, "update_deferred", n.available, nil)
	return nil
}

func (n *Negotiator) onControllerChange(version string) {
	n.mu.Lock()
	reload := n.reloadPending
	n.reloadPending = false
	if reload || n.available == version {
		n.state = NoUpdate
		n.available = ""
	}
	n.mu.Unlock()

	n.broadcast(clients.EventControllerChange, map[string]string{"version": version})
	if reload {
		n.broadcast(clients.EventReload, map[string]string{"version": version})
		n.diag.Record(component, "reload_sent", version, nil)
	}
}

func (n *Negotiator) broadcast(event string, data any) {
	if n.clients == nil {
		return
	}
	n.clients.Broadcast(event, data)
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) Status() Status {
	reg := n.reg.Status()
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		State:      n.state,
		Active:     reg.Active,
		Available:  n.available,
		PromptedAt: n.promptedAt,
		DeferredAt: n.deferredAt,
	}
}

// Trigger requests a check from the running loop without blocking.
func (n *Negotiator) Trigger() {
	select {
	case n.trigger <- struct{}{}:
	default:
	}
}

// Start checks every interval and on Trigger until ctx is done. The returned
// channel is closed when the loop exits.
func (n *Negotiator) Start(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	log := logger.WithComponent(component)
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		tick = ticker.C
		go func() {
			<-done
			ticker.Stop()
		}()
	}
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				log.Info("update checker stopped")
				return
			case <-tick:
			case <-n.trigger:
			}
			if _, err := n.Check(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("update check failed: %v", err)
			}
		}
	}()
	return done
}
