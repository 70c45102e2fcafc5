package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bassista/go_offline/internal/diagnostics"
)

var (
	ErrNoWaitingWorker = errors.New("no waiting worker")
	ErrInvalidBuild    = errors.New("invalid build")
)

// State of a worker generation.
type State string

const (
	StateNone       State = ""
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// Build describes a deployable worker version.
type Build struct {
	Version  string   `json:"version" validate:"required"`
	Precache []string `json:"precache,omitempty" validate:"omitempty,dive,startswith=/"`
}

// Generation is one installed worker version.
type Generation interface {
	Version() string
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	// Teardown cancels the generation's detached work. It must be idempotent.
	Teardown()
}

// Factory builds the generation for a build.
type Factory func(Build) (Generation, error)

// Status is a snapshot of the registration.
type Status struct {
	State   State  `json:"state"`
	Active  string `json:"active,omitempty"`
	Waiting string `json:"waiting,omitempty"`
}

// Registration owns the active and waiting generations. At most one is
// active; the first install activates immediately, later ones wait for
// SkipWaiting.
type Registration struct {
	factory Factory
	diag    *diagnostics.Recorder

	// opMu serializes transitions; mu guards the fields.
	opMu sync.Mutex
	mu   sync.RWMutex

	state       State
	active      Generation
	waiting     Generation
	subscribers []func(version string)
}

func NewRegistration(factory Factory, diag *diagnostics.Recorder) *Registration {
	return &Registration{factory: factory, diag: diag}
}

// OnControllerChange subscribes fn to activations. fn runs synchronously
// after the new generation became active.
func (r *Registration) OnControllerChange(fn func(version string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Install installs build. A build already active or waiting is a no-op.
func (r *Registration) Install(ctx context.Context, build Build) (State, error) {
	if build.Version == "" {
		return StateNone, fmt.Errorf("%w: version is required", ErrInvalidBuild)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()
	if active != nil && active.Version() == build.Version {
		return StateActive, nil
	}
	if waiting != nil && waiting.Version() == build.Version {
		return StateInstalled, nil
	}

	gen, err := r.factory(build)
	if err != nil {
		return StateNone, fmt.Errorf("create worker %s: %w", build.Version, err)
	}

	r.setState(StateInstalling)
	r.diag.Record(component, "installing", build.Version, nil)
	if err := gen.Install(ctx); err != nil {
		gen.Teardown()
		r.restoreState()
		r.diag.Record(component, "install_failed", err.Error(), map[string]string{"version": build.Version})
		return StateRedundant, fmt.Errorf("install %s: %w", build.Version, err)
	}

	if active == nil {
		if err := r.activate(ctx, gen); err != nil {
			return StateRedundant, err
		}
		return StateActive, nil
	}

	r.mu.Lock()
	replaced := r.waiting
	r.waiting = gen
	r.state = StateInstalled
	r.mu.Unlock()
	if replaced != nil {
		replaced.Teardown()
		r.diag.Record(component, "redundant", replaced.Version(), nil)
	}
	r.diag.Record(component, "waiting", build.Version, nil)
	return StateInstalled, nil
}

// SkipWaiting activates the waiting generation and retires the active one.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	gen := r.waiting
	r.mu.RUnlock()
	if gen == nil {
		return ErrNoWaitingWorker
	}
	return r.activate(ctx, gen)
}

// activate runs with opMu held. On failure a waiting generation stays waiting.
func (r *Registration) activate(ctx context.Context, gen Generation) error {
	r.setState(StateActivating)
	if err := gen.Activate(ctx); err != nil {
		r.mu.Lock()
		if r.waiting == gen {
			r.state = StateInstalled
		} else {
			gen.Teardown()
			r.state = stateFor(r.active, r.waiting)
		}
		r.mu.Unlock()
		r.diag.Record(component, "activate_failed", err.Error(), map[string]string{"version": gen.Version()})
		return fmt.Errorf("activate %s: %w", gen.Version(), err)
	}

	r.mu.Lock()
	old := r.active
	r.active = gen
	if r.waiting == gen {
		r.waiting = nil
	}
	r.state = StateActive
	subs := append([]func(string){}, r.subscribers...)
	r.mu.Unlock()

	if old != nil {
		old.Teardown()
		r.diag.Record(component, "redundant", old.Version(), nil)
	}
	for _, fn := range subs {
		fn(gen.Version())
	}
	return nil
}

func (r *Registration) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Registration) restoreState() {
	r.mu.Lock()
	r.state = stateFor(r.active, r.waiting)
	r.mu.Unlock()
}

func stateFor(active, waiting Generation) State {
	switch {
	case waiting != nil:
		return StateInstalled
	case active != nil:
		return StateActive
	default:
		return StateNone
	}
}

// Active returns the controlling generation, or nil before the first install.
func (r *Registration) Active() Generation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registration) Waiting() Generation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Status{State: r.state}
	if r.active != nil {
		st.Active = r.active.Version()
	}
	if r.waiting != nil {
		st.Waiting = r.waiting.Version()
	}
	return st
}

// Close tears down every generation.
func (r *Registration) Close() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	active, waiting := r.active, r.waiting
	r.active, r.waiting = nil, nil
	r.state = StateNone
	r.mu.Unlock()
	if waiting != nil {
		waiting.Teardown()
	}
	if active != nil {
		active.Teardown()
	}
}
