// Package notify turns push messages into notifications and routes clicks
// back to the app.
package notify

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bassista/go_offline/internal/clients"
	"github.com/bassista/go_offline/internal/diagnostics"
	"github.com/google/uuid"
)

const (
	component = "notify"

	DefaultURL = "/"
)

var (
	ErrMalformedPayload    = errors.New("malformed push payload")
	ErrUnknownNotification = errors.New("unknown notification")
)

// Notification is a shown notification. Tag is unique among shown ones.
type Notification struct {
	Tag                string    `json:"tag"`
	Title              string    `json:"title"`
	Body               string    `json:"body,omitempty"`
	Icon               string    `json:"icon,omitempty"`
	Badge              string    `json:"badge,omitempty"`
	RequireInteraction bool      `json:"requireInteraction"`
	Actions            []Action  `json:"actions,omitempty"`
	URL                string    `json:"url"`
	ShownAt            time.Time `json:"shownAt"`
}

// ClickResult reports how a click was handled.
type ClickResult struct {
	Tag      string `json:"tag"`
	Action   string `json:"action,omitempty"`
	URL      string `json:"url"`
	Focused  bool   `json:"focused"`
	ClientID string `json:"clientId,omitempty"`
	Opened   bool   `json:"opened"`
}

// Center holds the shown notifications.
type Center struct {
	mu      sync.Mutex
	shown   map[string]Notification
	clients *clients.Registry
	diag    *diagnostics.Recorder
	now     func() time.Time
}

func NewCenter(registry *clients.Registry, diag *diagnostics.Recorder) *Center {
	return &Center{
		shown:   map[string]Notification{},
		clients: registry,
		diag:    diag,
		now:     time.Now,
	}
}

// Deliver handles a raw push message. Malformed messages are dropped and
// recorded; the second return value reports whether anything was shown.
func (c *Center) Deliver(raw []byte) (Notification, bool) {
	p, err := ParsePayload(raw)
	if err != nil {
		c.diag.Record(component, "push_dropped", err.Error(), nil)
		return Notification{}, false
	}
	return c.Show(p), true
}

// Show displays p, replacing any shown notification with the same tag.
func (c *Center) Show(p Payload) Notification {
	n := Notification{
		Tag:                p.Tag,
		Title:              p.Title,
		Body:               p.Body,
		Icon:               p.Icon,
		Badge:              p.Badge,
		RequireInteraction: p.RequireInteraction,
		Actions:            append([]Action(nil), p.Actions...),
		URL:                p.Data.URL,
		ShownAt:            c.now(),
	}
	if n.Tag == "" {
		n.Tag = uuid.NewString()
	}
	if n.URL == "" {
		n.URL = DefaultURL
	}

	c.mu.Lock()
	_, replaced := c.shown[n.Tag]
	c.shown[n.Tag] = n
	c.mu.Unlock()

	kind := "notification_shown"
	if replaced {
		kind = "notification_replaced"
	}
	c.diag.Record(component, kind, n.Title, map[string]string{"tag": n.Tag})
	if c.clients != nil {
		c.clients.Broadcast(clients.EventNotification, n)
	}
	return n
}

// Click closes the notification and brings the app to its URL: an instance
// already showing it is focused, otherwise a new window is opened. action is
// empty for a click on the notification body.
func (c *Center) Click(tag, action string) (ClickResult, error) {
	c.mu.Lock()
	n, ok := c.shown[tag]
	if ok {
		delete(c.shown, tag)
	}
	c.mu.Unlock()
	if !ok {
		return ClickResult{}, ErrUnknownNotification
	}

	res := ClickResult{Tag: tag, Action: action, URL: n.URL}
	fields := map[string]string{"tag": tag, "url": n.URL}
	if action != "" {
		fields["action"] = action
	}
	c.diag.Record(component, "notification_clicked", n.Title, fields)

	if c.clients == nil {
		return res, nil
	}
	c.clients.Broadcast(clients.EventNotificationGone, map[string]string{"tag": tag})
	if info, found := c.clients.Match(n.URL); found {
		if err := c.clients.Focus(info.ID); err == nil {
			res.Focused = true
			res.ClientID = info.ID
			return res, nil
		}
	}
	c.clients.Open(n.URL)
	res.Opened = true
	return res, nil
}

// Close dismisses a notification without a click.
func (c *Center) Close(tag string) bool {
	c.mu.Lock()
	_, ok := c.shown[tag]
	delete(c.shown, tag)
	c.mu.Unlock()
	if ok && c.clients != nil {
		c.clients.Broadcast(clients.EventNotificationGone, map[string]string{"tag": tag})
	}
	return ok
}

// List returns shown notifications, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, 0, len(c.shown))
	for _, n := range c.shown {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].Tag < out[j].Tag
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}
