// Package worker routes lifecycle, fetch, push, sync and message events to
// their handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bassista/go_offline/internal/classifier"
	"github.com/bassista/go_offline/internal/clients"
	"github.com/bassista/go_offline/internal/connectivity"
	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/bassista/go_offline/internal/lifecycle"
	"github.com/bassista/go_offline/internal/notify"
	"github.com/bassista/go_offline/internal/queue"
	"github.com/bassista/go_offline/internal/strategy"
	"github.com/bassista/go_offline/internal/update"
	"github.com/bassista/go_offline/internal/upstream"
)

const component = "worker"

var (
	ErrUnknownEvent   = errors.New("unknown event kind")
	ErrInvalidEvent   = errors.New("invalid event")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Kind names an event.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
	KindSync              Kind = "sync"
	KindMessage           Kind = "message"
)

// Message types accepted from app instances.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
	MessageGetVersion  = "GET_VERSION"
	MessageReplay      = "REPLAY_QUEUE"
)

// Message is a command posted by an app instance.
type Message struct {
	Type   string `json:"type"`
	Domain string `json:"domain,omitempty"`
}

// Event carries the input of one kind; only the fields of that kind are read.
type Event struct {
	Kind Kind

	Build   *lifecycle.Build // install
	Request *http.Request    // fetch
	Data    []byte           // push
	Tag     string           // notificationclick
	Action  string           // notificationclick
	Domain  string           // sync; empty replays every domain
	Message Message          // message
}

// Outcome holds the result of a handled event.
type Outcome struct {
	Response     *strategy.Result     `json:"-"`
	Queued       *queue.Record        `json:"queued,omitempty"`
	State        lifecycle.State      `json:"state,omitempty"`
	Replays      []queue.ReplayReport `json:"replays,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Dropped      bool                 `json:"dropped,omitempty"`
	Click        *notify.ClickResult  `json:"click,omitempty"`
	Registration *lifecycle.Status    `json:"registration,omitempty"`
	Update       *update.Status       `json:"update,omitempty"`
}

// Handler handles one event kind.
type Handler func(ctx context.Context, ev Event) (Outcome, error)

// Deps are the collaborators the handlers use.
type Deps struct {
	Registration  *lifecycle.Registration
	Manager       *lifecycle.Manager
	Classifier    *classifier.Classifier
	Resolver      *upstream.Resolver
	Fetcher       upstream.Fetcher
	Queue         *queue.Queue
	Notifications *notify.Center
	Clients       *clients.Registry
	Monitor       *connectivity.Monitor
	Negotiator    *update.Negotiator
	// OfflinePage is served from the static store to navigations that fail.
	OfflinePage string
	Recorder    *diagnostics.Recorder
}

// Worker dispatches events through a fixed routing table.
type Worker struct {
	deps   Deps
	routes map[Kind]Handler
}

func New(deps Deps) (*Worker, error) {
	switch {
	case deps.Registration == nil:
		return nil, errors.New("registration is nil")
	case deps.Manager == nil:
		return nil, errors.New("lifecycle manager is nil")
	case deps.Classifier == nil:
		return nil, errors.New("classifier is nil")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is nil")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is nil")
	}
	w := &Worker{deps: deps}
	w.routes = map[Kind]Handler{
		KindInstall:           w.handleInstall,
		KindActivate:          w.handleActivate,
		KindFetch:             w.handleFetch,
		KindPush:              w.handlePush,
		KindNotificationClick: w.handleNotificationClick,
		KindSync:              w.handleSync,
		KindMessage:           w.handleMessage,
	}
	return w, nil
}

// Dispatch runs the handler of ev.Kind and waits for it.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (Outcome, error) {
	h, ok := w.routes[ev.Kind]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	return h(ctx, ev)
}

func (w *Worker) handleInstall(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Build == nil {
		return Outcome{}, fmt.Errorf("%w: install needs a build", ErrInvalidEvent)
	}
	state, err := w.deps.Registration.Install(ctx, *ev.Build)
	st := w.deps.Registration.Status()
	return Outcome{State: state, Registration: &st}, err
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) (Outcome, error) {
	err := w.deps.Registration.SkipWaiting(ctx)
	st := w.deps.Registration.Status()
	return Outcome{State: st.State, Registration: &st}, err
}

func (w *Worker) handlePush(_ context.Context, ev Event) (Outcome, error) {
	if w.deps.Notifications == nil {
		return Outcome{Dropped: true}, nil
	}
	n, shown := w.deps.Notifications.Deliver(ev.Data)
	if !shown {
		return Outcome{Dropped: true}, nil
	}
	return Outcome{Notification: &n}, nil
}

func (w *Worker) handleNotificationClick(_ context.Context, ev Event) (Outcome, error) {
	if w.deps.Notifications == nil {
		return Outcome{}, notify.ErrUnknownNotification
	}
	res, err := w.deps.Notifications.Click(ev.Tag, ev.Action)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Click: &res}, nil
}

func (w *Worker) handleSync(ctx context.Context, ev Event) (Outcome, error) {
	if w.deps.Queue == nil {
		return Outcome{}, nil
	}
	var (
		reports []queue.ReplayReport
		err     error
	)
	if ev.Domain == "" {
		reports, err = w.deps.Queue.ReplayAll(ctx)
	} else {
		var r queue.ReplayReport
		r, err = w.deps.Queue.Replay(ctx, ev.Domain)
		reports = []queue.ReplayReport{r}
	}
	w.announceQueue(ctx)
	return Outcome{Replays: reports}, err
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) (Outcome, error) {
	switch ev.Message.Type {
	case MessageSkipWaiting:
		if w.deps.Negotiator != nil {
			if err := w.deps.Negotiator.Accept(ctx); err != nil {
				return Outcome{}, err
			}
			st := w.deps.Negotiator.Status()
			return Outcome{Update: &st}, nil
		}
		return w.handleActivate(ctx, ev)
	case MessageClearCache:
		if err := w.deps.Manager.ClearAll(ctx); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, nil
	case MessageGetVersion:
		st := w.deps.Registration.Status()
		return Outcome{Registration: &st}, nil
	case MessageReplay:
		return w.handleSync(ctx, Event{Kind: KindSync, Domain: ev.Message.Domain})
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownMessage, ev.Message.Type)
	}
}

// announceQueue tells app instances the current pending counts.
func (w *Worker) announceQueue(ctx context.Context) {
	if w.deps.Clients == nil || w.deps.Queue == nil {
		return
	}
	pending, err := w.deps.Queue.Pending(ctx)
	if err != nil {
		return
	}
	w.deps.Clients.Broadcast(clients.EventQueue, pending)
}

// Active returns the controlling instance, or nil before the first install.
func (w *Worker) Active() *Instance {
	gen := w.deps.Registration.Active()
	if gen == nil {
		return nil
	}
	inst, _ := gen.(*Instance)
	return inst
}
