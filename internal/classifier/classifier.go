// Package classifier assigns every intercepted request to a traffic class.
// The class decides which caching strategy handles it.
package classifier

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// TrafficClass is the category of an intercepted request.
type TrafficClass int

const (
	Other TrafficClass = iota
	Static
	API
	Dynamic
)

func (c TrafficClass) String() string {
	switch c {
	case Static:
		return "static"
	case API:
		return "api"
	case Dynamic:
		return "dynamic"
	default:
		return "other"
	}
}

// Rules holds the URL-shape conventions of the application.
type Rules struct {
	AssetExtensions []string
	StaticSegments  []string
	APIPrefixes     []string
	DynamicPrefixes []string
	// BackendHost is matched as a substring of the request host.
	BackendHost string
}

// DefaultRules mirrors the application's routing convention.
func DefaultRules() Rules {
	return Rules{
		AssetExtensions: []string{".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".woff", ".woff2", ".ttf", ".eot"},
		StaticSegments:  []string{"/assets/", "/static/"},
		APIPrefixes:     []string{"/api/", "/functions/"},
		DynamicPrefixes: []string{"/agent/", "/portfolio/", "/trading/"},
		BackendHost:     "supabase.co",
	}
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	extensions map[string]bool
	rules      Rules
}

func New(rules Rules) *Classifier {
	ext := make(map[string]bool, len(rules.AssetExtensions))
	for _, e := range rules.AssetExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		ext[e] = true
	}
	rules.BackendHost = strings.ToLower(strings.TrimSpace(rules.BackendHost))
	return &Classifier{extensions: ext, rules: rules}
}

// Intercepts reports whether a request takes part in caching at all.
// Only GET over http(s) is intercepted; everything else goes straight to the network.
func (c *Classifier) Intercepts(method string, u *url.URL) bool {
	if u == nil || method != http.MethodGet {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "":
		return true
	default:
		return false
	}
}

// Classify maps a request to its traffic class using the URL shape only.
func (c *Classifier) Classify(method string, u *url.URL) TrafficClass {
	if !c.Intercepts(method, u) {
		return Other
	}

	p := u.Path
	if p == "" {
		p = "/"
	}

	if c.isAPI(u.Hostname(), p) {
		return API
	}
	if c.isStatic(p) {
		return Static
	}
	if hasAnyPrefix(p, c.rules.DynamicPrefixes) {
		return Dynamic
	}
	return Other
}

func (c *Classifier) isAPI(host, p string) bool {
	if hasAnyPrefix(p, c.rules.APIPrefixes) {
		return true
	}
	return c.rules.BackendHost != "" && strings.Contains(strings.ToLower(host), c.rules.BackendHost)
}

func (c *Classifier) isStatic(p string) bool {
	if c.extensions[strings.ToLower(path.Ext(p))] {
		return true
	}
	for _, seg := range c.rules.StaticSegments {
		if seg != "" && strings.Contains(p, seg) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
