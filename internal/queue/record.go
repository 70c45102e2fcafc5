package queue

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownDomain = errors.New("unknown mutation domain")
	ErrNotFound      = errors.New("mutation record not found")
	ErrClosed        = errors.New("mutation queue is closed")
)

// deferredMethods must stay in step with the oneof rule on Record.Method.
var deferredMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// Deferrable reports whether a failed request with method can be queued.
func Deferrable(method string) bool {
	for _, m := range deferredMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Record is one deferred mutation. It is removed only after a successful replay.
type Record struct {
	Seq       int64             `json:"-"`
	ID        string            `json:"id" validate:"required,uuid"`
	Domain    string            `json:"domain" validate:"required"`
	Endpoint  string            `json:"endpoint" validate:"required,startswith=/"`
	Method    string            `json:"method" validate:"required,oneof=POST PUT PATCH DELETE"`
	Payload   []byte            `json:"payload,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"createdAt" validate:"required"`
	Retries   int               `json:"retries" validate:"gte=0"`
	LastError string            `json:"lastError,omitempty"`
}

// Domain is a business area whose failed writes are queued separately.
type Domain struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

// matches reports whether path targets the domain endpoint or a sub-path of it.
func (d Domain) matches(path string) bool {
	ep := strings.TrimRight(d.Endpoint, "/")
	if ep == "" {
		return false
	}
	p := strings.TrimRight(path, "/")
	return p == ep || strings.HasPrefix(p, ep+"/")
}

// replayedHeaders are the request headers persisted with a record.
var replayedHeaders = []string{"Content-Type", "Authorization"}

func captureHeaders(h http.Header) map[string]string {
	out := map[string]string{}
	for _, name := range replayedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

var validate = validator.New()

func (r Record) Validate() error {
	return validate.Struct(r)
}
