// Package cursor implements a line-oriented reader over a target-list
// file that remembers its byte offset across process restarts.
package cursor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// countBufSize is the buffer used while counting lines on first open.
const countBufSize = 1 * 1024 * 1024

// ErrEOF is returned by ReadLine when the cursor has consumed every line
// in the file.
var ErrEOF = errors.New("cursor: end of stream")

// ErrNotYetAvailable is returned by Open/ReadLine when the target file
// does not exist yet and the cursor has no saved offset to resume from
// — the file is expected to be created later (e.g. by Discovery's
// post-processing hook).
var ErrNotYetAvailable = errors.New("cursor: target file not yet available")

// Mode selects how the underlying file is opened.
type Mode int

const (
	// ReadOnly opens the target file for reading only; it must already
	// exist. This is the mode every Stage uses today.
	ReadOnly Mode = iota
)

// Cursor is a StatefulCursor: a line-oriented reader that tracks its
// byte offset, total line count, and current line number, so that it
// can be snapshotted and later resumed exactly where it left off.
//
// A zero Cursor is not usable; construct one with New. Cursor is safe
// for concurrent use — callers that share one across goroutines still
// get atomic readLine semantics — but in this codebase a Cursor is
// always owned by exactly one Stage, itself guarded by the Context
// mutex, so the internal lock exists mainly for defensive clarity.
type Cursor struct {
	mu sync.Mutex

	path       string
	mode       Mode
	opened     bool
	f          *os.File
	r          *bufio.Reader
	offset     int64
	lineCount  int64
	lineNumber int64
}

// New creates a Cursor over path. The file is not touched until the
// first call to Open or ReadLine.
func New(path string, mode Mode) *Cursor {
	return &Cursor{path: path, mode: mode}
}

// Snapshot is the serializable state of a Cursor, persisted as part of
// a Stage's snapshot.
type Snapshot struct {
	Path       string
	Offset     int64
	LineCount  int64
	LineNumber int64
	Mode       Mode
}

// Open is idempotent. On the first call it streams the file once to
// count total lines (1 MiB read buffer, counting newlines and crediting
// one more line if the final chunk lacks a trailing newline), then
// seeks to the cursor's saved offset: 0 for a fresh Cursor, the
// snapshotted offset for one built by Restore. Subsequent calls are
// no-ops.
func (c *Cursor) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open()
}

func (c *Cursor) open() error {
	if c.opened {
		return nil
	}

	f, err := os.Open(c.path)
	if err != nil {
		if c.offset == 0 && os.IsNotExist(err) {
			// Deferred: e.g. a downstream stage's live-target file that
			// Discovery has not written yet. Leave unopened; the next
			// ReadLine attempt will retry.
			return ErrNotYetAvailable
		}
		return fmt.Errorf("opening target list %s: %w", c.path, err)
	}

	lineCount, err := countLines(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("counting lines in %s: %w", c.path, err)
	}
	c.lineCount = lineCount

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seeking to offset %d in %s: %w", c.offset, c.path, err)
	}

	c.f = f
	c.r = bufio.NewReader(f)
	c.opened = true
	return nil
}

func countLines(f *os.File) (int64, error) {
	buf := make([]byte, countBufSize)
	var count int64
	var lastByte byte
	sawAny := false

	for {
		n, err := f.Read(buf)
		if n > 0 {
			sawAny = true
			for _, b := range buf[:n] {
				if b == '\n' {
					count++
				}
			}
			lastByte = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if sawAny && lastByte != '\n' {
		count++
	}
	return count, nil
}

// ReadLine returns the next line with its trailing newline stripped,
// advancing the byte offset to the position immediately after the
// consumed line terminator. It returns ErrEOF once the file is
// exhausted.
func (c *Cursor) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.open(); err != nil {
		return "", err
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			if line == "" {
				return "", ErrEOF
			}
			// Final line with no trailing newline.
			c.offset += int64(len(line))
			c.lineNumber++
			return line, nil
		}
		return "", fmt.Errorf("reading line from %s: %w", c.path, err)
	}

	c.offset += int64(len(line))
	c.lineNumber++
	return line[:len(line)-1], nil
}

// Path returns the cursor's target file path.
func (c *Cursor) Path() string {
	return c.path
}

// Opened reports whether the cursor has completed its first Open call.
func (c *Cursor) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// LineCount returns the total number of lines computed on first open.
// It is zero until Open (or the first ReadLine) has run.
func (c *Cursor) LineCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineCount
}

// LineNumber returns the number of lines handed out so far.
func (c *Cursor) LineNumber() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineNumber
}

// Close releases the underlying file handle. It is safe to call on an
// unopened or already-closed Cursor.
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened || c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	c.r = nil
	c.opened = false
	return err
}

// Snapshot captures the cursor's state for persistence. It does not
// close the underlying file; callers close separately.
func (c *Cursor) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Path:       c.path,
		Offset:     c.offset,
		LineCount:  c.lineCount,
		LineNumber: c.lineNumber,
		Mode:       c.mode,
	}
}

// Restore rebuilds a Cursor from a Snapshot. The file is not opened
// eagerly: if the offset is zero and the file does not yet exist,
// opening is deferred to the first ReadLine, the same as a fresh
// Cursor. If the file is missing but the offset is non-zero, Open will
// fail, and callers (the owning Stage) must treat that as
// finished-with-error per the vanished-file failure semantics.
func Restore(s Snapshot) *Cursor {
	return &Cursor{
		path:       s.Path,
		mode:       s.Mode,
		offset:     s.Offset,
		lineCount:  s.LineCount,
		lineNumber: s.LineNumber,
	}
}
