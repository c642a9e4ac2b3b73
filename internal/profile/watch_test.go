package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func watchDoc(version string) []byte {
	return []byte(fmt.Sprintf(`profile_id: rmacd-2d-watch
profile_name: Watch
model: two-dimensional
version: "%s"
permissions: [R]
`, version))
}

type reloads struct {
	mu       sync.Mutex
	versions []string
}

func (r *reloads) record(p *Profile) {
	r.mu.Lock()
	r.versions = append(r.versions, p.Version)
	r.mu.Unlock()
}

func (r *reloads) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.versions...)
}

// startWatcher writes an initial profile and runs a watcher on it until the
// test ends.
func startWatcher(t *testing.T, debounce time.Duration) (string, *reloads) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, watchDoc("1.0.0"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := &reloads{}
	w, err := NewWatcher(path, got.record, WithDebounce(debounce))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give watcher time to start.
	time.Sleep(100 * time.Millisecond)
	return path, got
}

func TestWatcherReloadsValidRewrite(t *testing.T) {
	path, got := startWatcher(t, 10*time.Millisecond)

	if err := os.WriteFile(path, watchDoc("1.1.0"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	versions := got.snapshot()
	if len(versions) != 1 {
		t.Fatalf("expected 1 reload, got %d: %v", len(versions), versions)
	}
	if versions[0] != "1.1.0" {
		t.Errorf("reloaded version %q, want 1.1.0", versions[0])
	}
}

func TestWatcherSkipsInvalidRewrite(t *testing.T) {
	path, got := startWatcher(t, 10*time.Millisecond)

	if err := os.WriteFile(path, []byte("profile_id: [not, a, profile\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if versions := got.snapshot(); len(versions) != 0 {
		t.Fatalf("expected no reload for an invalid document, got %v", versions)
	}
}

func TestWatcherDebouncesBurstOfWrites(t *testing.T) {
	path, got := startWatcher(t, 150*time.Millisecond)

	for _, v := range []string{"2.0.0", "2.1.0", "2.2.0"} {
		if err := os.WriteFile(path, watchDoc(v), 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	versions := got.snapshot()
	if len(versions) != 1 {
		t.Fatalf("expected burst to coalesce into 1 reload, got %d: %v", len(versions), versions)
	}
	if versions[0] != "2.2.0" {
		t.Errorf("reloaded version %q, want the last write 2.2.0", versions[0])
	}
}

func TestWatcherFollowsAtomicReplace(t *testing.T) {
	path, got := startWatcher(t, 10*time.Millisecond)

	// Editors save by writing a sibling and renaming it over the original.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, watchDoc("3.0.0"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	versions := got.snapshot()
	if len(versions) == 0 || versions[len(versions)-1] != "3.0.0" {
		t.Fatalf("expected reload of replaced file, got %v", versions)
	}

	// The watch must now follow the new file.
	if err := os.WriteFile(path, watchDoc("3.1.0"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	versions = got.snapshot()
	if versions[len(versions)-1] != "3.1.0" {
		t.Fatalf("expected reload after write to replaced file, got %v", versions)
	}
}

func TestWatcherStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, watchDoc("1.0.0"), 0o600); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path, func(*Profile) {})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestNewWatcherMissingFile(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), func(*Profile) {}); err == nil {
		t.Fatal("expected error for a missing profile file")
	}
}
