package matcher

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type reloadResult struct {
	faces int
	err   error
}

func newWatchedMatcher(t *testing.T, dir string) (*Matcher, <-chan reloadResult) {
	t.Helper()
	m, err := newMatcher(Config{Engines: 1}, func(int) (embedder, error) { return pixEmbedder{}, nil })
	if err != nil {
		t.Fatalf("newMatcher: %v", err)
	}
	t.Cleanup(m.Close)

	if _, err := m.LoadDatabase(context.Background(), dir); err != nil {
		t.Fatalf("LoadDatabase: %v", err)
	}

	reloads := make(chan reloadResult, 8)
	m.OnReload = func(faces int, err error) { reloads <- reloadResult{faces, err} }

	w, err := m.Watch(context.Background(), dir, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return m, reloads
}

func waitReload(t *testing.T, reloads <-chan reloadResult) reloadResult {
	t.Helper()
	select {
	case r := <-reloads:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
		return reloadResult{}
	}
}

// waitFaces waits for a successful reload with the given number of faces.
// Earlier reloads may see a half-written folder.
func waitFaces(t *testing.T, reloads <-chan reloadResult, faces int) {
	t.Helper()
	for {
		r := waitReload(t, reloads)
		if r.err == nil && r.faces == faces {
			return
		}
	}
}

func TestWatch_ReloadsOnNewPerson(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "Alice", "1.png"), color.RGBA{R: 255, A: 255})

	m, reloads := newWatchedMatcher(t, dir)
	if m.Index().Len() != 1 {
		t.Fatalf("initial index has %d faces, want 1", m.Index().Len())
	}

	// A new sub-folder is picked up as well as the file inside it
	writePNG(t, filepath.Join(dir, "Bob", "1.png"), color.RGBA{G: 255, A: 255})

	waitFaces(t, reloads, 2)
	if m.Index().Len() != 2 || m.Index().People() != 2 {
		t.Errorf("index has %d faces of %d persons, want 2 of 2", m.Index().Len(), m.Index().People())
	}
}

func TestWatch_ReloadsOnNewImageOfKnownPerson(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "Alice", "1.png"), color.RGBA{R: 255, A: 255})

	m, reloads := newWatchedMatcher(t, dir)
	writePNG(t, filepath.Join(dir, "Alice", "2.png"), color.RGBA{R: 250, A: 255})

	waitFaces(t, reloads, 2)
	if m.Index().Len() != 2 {
		t.Errorf("index has %d faces, want 2", m.Index().Len())
	}
}

func TestWatch_EmptyReloadKeepsIndex(t *testing.T) {
	dir := t.TempDir()
	alice := filepath.Join(dir, "Alice", "1.png")
	writePNG(t, alice, color.RGBA{R: 255, A: 255})

	m, reloads := newWatchedMatcher(t, dir)
	before := m.Index()

	// Removals alone do not trigger a reload; the faceless image does
	if err := os.Remove(alice); err != nil {
		t.Fatal(err)
	}
	writePNG(t, filepath.Join(dir, "Nobody", "1.png"), color.RGBA{B: 255, A: 255})

	r := waitReload(t, reloads)
	if !errors.Is(r.err, errEmptyReload) {
		t.Fatalf("reload error = %v, want errEmptyReload", r.err)
	}
	if m.Index() != before || m.Index().Len() != 1 {
		t.Error("failed reload replaced the index")
	}
}

func TestWatch_MissingDir(t *testing.T) {
	m, _ := newTestMatcher(t, nil)
	if _, err := m.Watch(context.Background(), filepath.Join(t.TempDir(), "nope"), 0); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestWatcher_CloseStopsReloads(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "Alice", "1.png"), color.RGBA{R: 255, A: 255})

	m, err := newMatcher(Config{Engines: 1}, func(int) (embedder, error) { return pixEmbedder{}, nil })
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	reloaded := make(chan struct{}, 1)
	m.OnReload = func(int, error) { reloaded <- struct{}{} }

	w, err := m.Watch(context.Background(), dir, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	writePNG(t, filepath.Join(dir, "Bob", "1.png"), color.RGBA{G: 255, A: 255})
	select {
	case <-reloaded:
		t.Error("reload after Close")
	case <-time.After(300 * time.Millisecond):
	}
}
