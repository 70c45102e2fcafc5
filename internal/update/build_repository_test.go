package update

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassista/go_offline/internal/lifecycle"
)

func TestNewBuildRepository_EmptyPath(t *testing.T) {
	if _, err := NewBuildRepository(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestBuildRepository_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dist", "worker-build.json")
	repo, err := NewBuildRepository(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &lifecycle.Build{Version: "v2", Precache: []string{"/assets/app-v2.js"}}
	if err := repo.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Version != "v2" || len(got.Precache) != 1 || got.Precache[0] != "/assets/app-v2.js" {
		t.Errorf("unexpected build: %+v", got)
	}
}

func TestBuildRepository_Load_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", `{"version":`},
		{"missing version", `{"precache":["/a.js"]}`},
		{"relative precache path", `{"version":"v3","precache":["a.js"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "worker-build.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			repo, _ := NewBuildRepository(path)
			if _, err := repo.Load(context.Background()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuildRepository_Load_FileNotFound(t *testing.T) {
	repo, _ := NewBuildRepository(filepath.Join(t.TempDir(), "missing.json"))
	if _, err := repo.Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBuildRepository_Save_Nil(t *testing.T) {
	repo, _ := NewBuildRepository(filepath.Join(t.TempDir(), "b.json"))
	if err := repo.Save(nil); err == nil {
		t.Error("expected error for nil build")
	}
}

func TestBuildRepository_StartWatcher_Debounces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker-build.json")
	repo, _ := NewBuildRepository(path)
	if err := repo.Save(&lifecycle.Build{Version: "v1"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	if err := repo.StartWatcher(ctx, func() { calls.Add(1) }); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write other: %v", err)
	}
	for _, v := range []string{"v2", "v3", "v4"} {
		if err := repo.Save(&lifecycle.Build{Version: v}); err != nil {
			t.Fatalf("save %s: %v", v, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("onChange was not called")
	}
	time.Sleep(2 * watchDebounce)
	if n := calls.Load(); n > 2 {
		t.Errorf("expected debounced calls, got %d", n)
	}
}

func TestBuildRepository_StartWatcher_NilCallback(t *testing.T) {
	repo, _ := NewBuildRepository(filepath.Join(t.TempDir(), "b.json"))
	if err := repo.StartWatcher(context.Background(), nil); err == nil {
		t.Error("expected error for nil callback")
	}
}
