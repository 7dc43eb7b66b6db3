package cursor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTargets(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing targets file: %v", err)
	}
	return path
}

func TestReadLine_SequenceAndEOF(t *testing.T) {
	path := writeTargets(t, "10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24")

	c := New(path, ReadOnly)
	defer c.Close()

	want := []string{"10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24"}
	for i, w := range want {
		got, err := c.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine() iteration %d: %v", i, err)
		}
		if got != w {
			t.Errorf("iteration %d: got %q, want %q", i, got, w)
		}
	}

	if _, err := c.ReadLine(); !errors.Is(err, ErrEOF) {
		t.Errorf("expected ErrEOF after exhausting lines, got %v", err)
	}
}

func TestLineCount_ComputedOnce(t *testing.T) {
	path := writeTargets(t, "a", "b", "c", "d")

	c := New(path, ReadOnly)
	defer c.Close()

	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.LineCount() != 4 {
		t.Errorf("LineCount = %d, want 4", c.LineCount())
	}

	// Draining lines must not change the cached count.
	c.ReadLine()
	c.ReadLine()
	if c.LineCount() != 4 {
		t.Errorf("LineCount changed after reads: %d", c.LineCount())
	}
}

func TestLineCount_NoTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.txt")
	if err := os.WriteFile(path, []byte("a\nb\nc"), 0644); err != nil {
		t.Fatal(err)
	}

	c := New(path, ReadOnly)
	defer c.Close()

	if err := c.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.LineCount() != 3 {
		t.Errorf("LineCount = %d, want 3", c.LineCount())
	}

	lines := []string{"a", "b", "c"}
	for _, want := range lines {
		got, err := c.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	path := writeTargets(t, "line1", "line2", "line3", "line4")

	c := New(path, ReadOnly)
	if _, err := c.ReadLine(); err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if _, err := c.ReadLine(); err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	snap := c.Snapshot()
	c.Close()

	restored := Restore(snap)
	defer restored.Close()

	got, err := restored.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine after restore: %v", err)
	}
	if got != "line3" {
		t.Errorf("got %q, want %q (the line after the last one handed out)", got, "line3")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := writeTargets(t, "x", "y")
	c := New(path, ReadOnly)
	defer c.Close()

	if err := c.Open(); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := c.Open(); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	got, err := c.ReadLine()
	if err != nil || got != "x" {
		t.Errorf("got %q, %v; want %q, nil", got, err, "x")
	}
}

func TestRestore_MissingFileDeferred(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "not-yet-written.txt")

	c := Restore(Snapshot{Path: missing, Offset: 0})
	if err := c.Open(); !errors.Is(err, ErrNotYetAvailable) {
		t.Errorf("expected ErrNotYetAvailable, got %v", err)
	}
}

func TestRestore_VanishedFileWithOffsetErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vanished.txt")
	if err := os.WriteFile(path, []byte("a\nb\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c := New(path, ReadOnly)
	if _, err := c.ReadLine(); err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	snap := c.Snapshot()
	c.Close()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	restored := Restore(snap)
	if err := restored.Open(); err == nil {
		t.Fatal("expected error opening a vanished file with non-zero offset")
	} else if errors.Is(err, ErrNotYetAvailable) {
		t.Error("a non-zero offset must not be treated as deferred-open")
	}
}
