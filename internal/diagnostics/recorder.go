package diagnostics

import (
	"strings"
	"sync"
	"time"

	"github.com/bassista/go_offline/internal/logger"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of events kept when NewRecorder gets a
// non-positive capacity.
const DefaultCapacity = 256

// Event is one structured diagnostic entry.
type Event struct {
	Time      time.Time         `json:"time"`
	Component string            `json:"component"`
	Kind      string            `json:"kind"`
	Detail    string            `json:"detail,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Recorder keeps the most recent events in a ring buffer and mirrors each one
// to the process logger.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
	counts map[string]int
	now    func() time.Time
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		events: make([]Event, capacity),
		counts: map[string]int{},
		now:    time.Now,
	}
}

// Record stores an event. A nil Recorder is valid and only logs.
func (r *Recorder) Record(component, kind, detail string, fields map[string]string) {
	entry := logger.WithComponent(component).WithField("event", kind)
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Log(levelFor(kind), detail)

	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = Event{
		Time:      r.now(),
		Component: component,
		Kind:      kind,
		Detail:    detail,
		Fields:    fields,
	}
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	r.counts[component+"."+kind]++
}

// Recent returns up to limit events, oldest first. limit <= 0 returns all.
func (r *Recorder) Recent(limit int) []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Event
	if r.full {
		ordered = append(ordered, r.events[r.next:]...)
	}
	ordered = append(ordered, r.events[:r.next]...)

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	out := make([]Event, len(ordered))
	copy(out, ordered)
	return out
}

// Counts returns how many events were recorded per "component.kind" since start,
// including those already evicted from the ring.
func (r *Recorder) Counts() map[string]int {
	if r == nil {
		return map[string]int{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Kinds ending in these suffixes are logged above debug.
func levelFor(kind string) logrus.Level {
	switch {
	case strings.HasSuffix(kind, "error"), strings.HasSuffix(kind, "failed"):
		return logrus.WarnLevel
	case strings.HasSuffix(kind, "dropped"), strings.HasSuffix(kind, "queued"), strings.HasSuffix(kind, "activated"), strings.HasSuffix(kind, "purged"):
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
