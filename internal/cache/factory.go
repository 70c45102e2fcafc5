package cache

import "fmt"

const (
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// NewStorageFromConfig creates the Storage selected by backend.
// "bolt" (default) persists to path; "memory" keeps everything in process.
func NewStorageFromConfig(backend, path string) (Storage, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStorage(), nil
	case BackendBolt, "":
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s (supported: %s, %s)", backend, BackendBolt, BackendMemory)
	}
}
