// Package clients tracks the app instances (browser windows) connected to the
// proxy's event stream.
package clients

import (
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/google/uuid"
)

const (
	component = "clients"

	// DefaultBuffer is the number of undelivered messages kept per client.
	DefaultBuffer = 32
	// maxPendingWindows bounds the open requests no instance has picked up yet.
	maxPendingWindows = 16
)

var ErrUnknownClient = errors.New("unknown client")

// Event names sent to app instances.
const (
	EventUpdateAvailable  = "update-available"
	EventReload           = "reload"
	EventControllerChange = "controllerchange"
	EventNotification     = "notification"
	EventNotificationGone = "notification-closed"
	EventFocus            = "focus"
	EventOpen             = "open"
	EventQueue            = "queue"
	EventConnectivity     = "connectivity"
)

type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Info describes a connected instance.
type Info struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ConnectedAt time.Time `json:"connectedAt"`
	Focused     bool      `json:"focused"`
}

// PendingWindow is an open request that no instance has acknowledged.
type PendingWindow struct {
	URL         string    `json:"url"`
	RequestedAt time.Time `json:"requestedAt"`
}

type client struct {
	info Info
	ch   chan Message
}

// Registry fans messages out to connected instances. Sends never block: a
// client whose buffer is full misses the message.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
	pending []PendingWindow
	buffer  int
	diag    *diagnostics.Recorder
	now     func() time.Time
}

func NewRegistry(diag *diagnostics.Recorder) *Registry {
	return &Registry{
		clients: map[string]*client{},
		buffer:  DefaultBuffer,
		diag:    diag,
		now:     time.Now,
	}
}

// Register adds an instance showing rawURL and returns its id and message
// channel. The channel is closed by Unregister.
func (r *Registry) Register(rawURL string) (string, <-chan Message) {
	c := &client{
		info: Info{ID: uuid.NewString(), URL: rawURL, ConnectedAt: r.now()},
		ch:   make(chan Message, r.buffer),
	}
	r.mu.Lock()
	r.clients[c.info.ID] = c
	// A new instance at a requested URL satisfies the open request.
	kept := r.pending[:0]
	for _, p := range r.pending {
		if !SameTarget(p.URL, rawURL) {
			kept = append(kept, p)
		}
	}
	r.pending = kept
	r.mu.Unlock()
	r.diag.Record(component, "connected", c.info.ID, map[string]string{"url": rawURL})
	return c.info.ID, c.ch
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
		close(c.ch)
	}
	r.mu.Unlock()
	if ok {
		r.diag.Record(component, "disconnected", id, nil)
	}
}

// DisconnectAll closes every message channel so open streams end, e.g.
// before a graceful shutdown. It returns how many instances were connected.
func (r *Registry) DisconnectAll() int {
	r.mu.Lock()
	n := len(r.clients)
	for id, c := range r.clients {
		delete(r.clients, id)
		close(c.ch)
	}
	r.mu.Unlock()
	if n > 0 {
		r.diag.Record(component, "disconnected_all", "", map[string]string{"count": strconv.Itoa(n)})
	}
	return n
}

// Navigate records that instance id now shows rawURL.
func (r *Registry) Navigate(id, rawURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	c.info.URL = rawURL
	return nil
}

// Broadcast sends to every instance and returns how many accepted it.
func (r *Registry) Broadcast(event string, data any) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.clients {
		if trySend(c, Message{Event: event, Data: data}) {
			n++
		}
	}
	return n
}

func (r *Registry) Send(id, event string, data any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	if !trySend(c, Message{Event: event, Data: data}) {
		r.diag.Record(component, "message_dropped", event, map[string]string{"client": id})
	}
	return nil
}

// Focus marks id as the focused instance and tells it to take focus.
func (r *Registry) Focus(id string) error {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownClient
	}
	for _, other := range r.clients {
		other.info.Focused = false
	}
	c.info.Focused = true
	target := c.info.URL
	r.mu.Unlock()
	return r.Send(id, EventFocus, map[string]string{"url": target})
}

// Open asks the app to open a new window at rawURL.
func (r *Registry) Open(rawURL string) {
	r.mu.Lock()
	r.pending = append(r.pending, PendingWindow{URL: rawURL, RequestedAt: r.now()})
	if len(r.pending) > maxPendingWindows {
		r.pending = r.pending[len(r.pending)-maxPendingWindows:]
	}
	r.mu.Unlock()
	r.Broadcast(EventOpen, map[string]string{"url": rawURL})
	r.diag.Record(component, "window_opened", rawURL, nil)
}

// Match returns an instance currently showing rawURL.
func (r *Registry) Match(rawURL string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.sorted() {
		if SameTarget(c.info.URL, rawURL) {
			return c.info, true
		}
	}
	return Info{}, false
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.clients))
	for _, c := range r.sorted() {
		out = append(out, c.info)
	}
	return out
}

func (r *Registry) Pending() []PendingWindow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]PendingWindow(nil), r.pending...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// sorted returns clients oldest first; callers hold mu.
func (r *Registry) sorted() []*client {
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].info.ConnectedAt.Equal(out[j].info.ConnectedAt) {
			return out[i].info.ID < out[j].info.ID
		}
		return out[i].info.ConnectedAt.Before(out[j].info.ConnectedAt)
	})
	return out
}

func trySend(c *client, msg Message) bool {
	select {
	case c.ch <- msg:
		return true
	default:
		return false
	}
}

// SameTarget compares two URLs by path and query; scheme and host are
// ignored since instances report the URL they were loaded from.
func SameTarget(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return cleanPath(ua.Path) == cleanPath(ub.Path) && ua.RawQuery == ub.RawQuery
}

func cleanPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}
