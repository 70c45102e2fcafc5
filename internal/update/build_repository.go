// Package update detects new worker builds and negotiates their activation
// with the user.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bassista/go_offline/internal/lifecycle"
	"github.com/bassista/go_offline/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
)

const watchDebounce = 200 * time.Millisecond

// BuildRepository reads the build descriptor written by the app's deploy step
// and writes the one published through the update endpoint.
type BuildRepository struct {
	path      string
	dir       string
	base      string
	validator *validator.Validate
	mu        sync.Mutex
}

func NewBuildRepository(path string) (*BuildRepository, error) {
	if path == "" {
		return nil, errors.New("build file path is required")
	}
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	return &BuildRepository{
		path:      path,
		dir:       dir,
		base:      filepath.Base(path),
		validator: validator.New(),
	}, nil
}

func (r *BuildRepository) Path() string { return r.path }

// Load reads and validates the build file.
func (r *BuildRepository) Load(ctx context.Context) (*lifecycle.Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open build file: %w", err)
	}
	defer file.Close()

	var build lifecycle.Build
	if err := json.NewDecoder(file).Decode(&build); err != nil {
		return nil, fmt.Errorf("decode build file: %w", err)
	}
	if err := r.validator.Struct(&build); err != nil {
		return nil, fmt.Errorf("validate build file: %w", err)
	}
	return &build, nil
}

// Save writes build atomically (temp file + rename). It is the publish side
// of the descriptor that Load and Watch consume.
func (r *BuildRepository) Save(build *lifecycle.Build) error {
	if build == nil {
		return errors.New("build is nil")
	}
	if err := r.validator.Struct(build); err != nil {
		return fmt.Errorf("validate before save: %w", err)
	}
	payload, err := json.MarshalIndent(build, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal build: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create build dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(r.dir, r.base+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	if _, err := tmpFile.Write(payload); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), r.path); err != nil {
		return fmt.Errorf("replace build file: %w", err)
	}
	return nil
}

// StartWatcher calls onChange, debounced, whenever the build file changes.
// The parent directory is watched so temp+rename replacements are seen.
// Cancel ctx to stop.
func (r *BuildRepository) StartWatcher(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return errors.New("onChange callback is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir: %w", err)
	}

	log := logger.WithComponent("build-watch")
	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		schedule := func() {
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				if ctx.Err() == nil {
					onChange()
				}
			})
		}

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != r.base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Debugf("build file event: %s", event.Op)
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("watcher error: %v", err)
			}
		}
	}()
	return nil
}
