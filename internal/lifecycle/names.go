package lifecycle

import (
	"fmt"
	"strings"
)

// StoreNames are the three logical stores of one worker version.
type StoreNames struct {
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
	API     string `json:"api"`
}

// NamesFor namespaces the logical stores by prefix and version, so two
// versions never share a store.
func NamesFor(prefix, version string) StoreNames {
	p := strings.TrimSpace(prefix)
	v := strings.TrimSpace(version)
	return StoreNames{
		Static:  fmt.Sprintf("%s-static-%s", p, v),
		Dynamic: fmt.Sprintf("%s-dynamic-%s", p, v),
		API:     fmt.Sprintf("%s-api-%s", p, v),
	}
}

// All lists the names in a stable order.
func (n StoreNames) All() []string {
	return []string{n.Static, n.Dynamic, n.API}
}

// Contains reports whether name is one of the current stores.
func (n StoreNames) Contains(name string) bool {
	return name == n.Static || name == n.Dynamic || name == n.API
}
