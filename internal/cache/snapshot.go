package cache

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Snapshot is an immutable capture of a response, keyed by the normalized
// request that produced it. Snapshots have no expiry.
type Snapshot struct {
	Key      string      `json:"key"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Key normalizes a request into its store key: METHOD + " " + URL with
// lower-cased scheme and host and without the fragment.
func Key(method string, u *url.URL) string {
	return strings.ToUpper(method) + " " + NormalizeURL(u)
}

// NormalizeURL returns the canonical string form of u used in keys.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	if n.Path == "" && n.Host != "" {
		n.Path = "/"
	}
	return n.String()
}

// NewSnapshot copies header and body so later mutation by the caller cannot
// leak into the stored value.
func NewSnapshot(method string, u *url.URL, status int, header http.Header, body []byte, storedAt time.Time) Snapshot {
	b := make([]byte, len(body))
	copy(b, body)
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return Snapshot{
		Key:      Key(method, u),
		Method:   strings.ToUpper(method),
		URL:      NormalizeURL(u),
		Status:   status,
		Header:   h,
		Body:     b,
		StoredAt: storedAt.UTC(),
	}
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Header = s.Header.Clone()
	out.Body = append([]byte(nil), s.Body...)
	return out
}
