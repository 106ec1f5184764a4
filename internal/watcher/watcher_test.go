package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w := New(dir, 30*time.Millisecond)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w, dir
}

func waitFor(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Errorf("event path = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event on %q", want)
	}
}

func TestChangeEventFiresOnWrite(t *testing.T) {
	t.Parallel()
	w, dir := newTestWatcher(t)
	path := filepath.Join(dir, "a.luau")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan string, 4)
	w.OnChange(func(p string) { changes <- p })
	w.OnAdd(func(p string) { changes <- p })

	if err := os.WriteFile(path, []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, changes, "a.luau")
}

func TestUnlinkEventFiresOnRemove(t *testing.T) {
	t.Parallel()
	w, dir := newTestWatcher(t)
	path := filepath.Join(dir, "b.luau")
	os.WriteFile(path, []byte("x"), 0644)

	unlinks := make(chan string, 1)
	w.OnUnlink(func(p string) { unlinks <- p })

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitFor(t, unlinks, "b.luau")
}

func TestSuppressNextDropsPendingEvent(t *testing.T) {
	t.Parallel()
	w, dir := newTestWatcher(t)
	path := filepath.Join(dir, "c.luau")

	changes := make(chan string, 1)
	w.OnChange(func(p string) { changes <- p })
	w.OnAdd(func(p string) { changes <- p })

	os.WriteFile(path, []byte("x"), 0644)
	w.SuppressNext("c.luau")

	select {
	case got := <-changes:
		t.Errorf("expected no event after SuppressNext, got %q", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBurstOfWritesCollapsesToOneEvent(t *testing.T) {
	t.Parallel()
	w, dir := newTestWatcher(t)
	path := filepath.Join(dir, "d.luau")
	os.WriteFile(path, []byte("0"), 0644)

	changes := make(chan string, 8)
	w.OnChange(func(p string) { changes <- p })

	for i := 0; i < 5; i++ {
		os.WriteFile(path, []byte("x"), 0644)
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, changes, "d.luau")
	select {
	case got := <-changes:
		t.Errorf("expected burst to collapse to one event, got extra %q", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	t.Parallel()
	w, dir := newTestWatcher(t)
	sub := filepath.Join(dir, "Nested")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond) // let the watcher pick up the new dir

	changes := make(chan string, 1)
	w.OnChange(func(p string) { changes <- p })
	w.OnAdd(func(p string) { changes <- p })

	os.WriteFile(filepath.Join(sub, "e.luau"), []byte("x"), 0644)

	waitFor(t, changes, "Nested/e.luau")
}
