// Package snapshot implements the Context's durable, resumable state:
// an explicit versioned binary schema with a dedicated encoder/decoder,
// written atomically (temp file, fsync, rename) so a crash mid-write
// never corrupts the last good snapshot.
//
// The schema is deliberately hand-rolled rather than handed to Go's
// native gob encoder: gob couples the wire format to the Go types that
// produced it, which is a portability hazard for a file meant to
// outlive any one build of this program.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// schemaVersion is bumped whenever the binary layout changes
// incompatibly.
const schemaVersion = 1

var magic = [4]byte{'D', 'S', 'C', 'S'}

// TaskRecord is one persisted Task: the stage/options/target triple
// plus its status at snapshot time.
type TaskRecord struct {
	StageName string
	Options   string
	Target    string
	Status    byte
}

// CursorRecord is one persisted StatefulCursor.
type CursorRecord struct {
	Path       string
	Offset     int64
	LineCount  int64
	LineNumber int64
}

// StageRecord is one persisted Stage, in the order the scan plan
// configured it.
type StageRecord struct {
	Name          string
	Options       string
	ReportsDir    string
	FinishedCount int64
	Cursor        CursorRecord
	IsDiscovery   bool
	Activated     bool // true once this stage has been made the current stage
}

// Context is the full persisted state of the scheduler's Context: the
// configured stage list (with cursor offsets), which stage is current,
// the pending re-dispense queue, and the reports directory. The active
// map, the mutex, and open file handles are deliberately not part of
// this schema — every Task in active is flipped to Interrupted and
// folded into Pending before a Context is snapshotted.
type Context struct {
	Stages           []StageRecord
	CurrentStageName string
	Pending          []TaskRecord
	ReportsDir       string
}

// Write atomically persists snap to path: write to a temp file in the
// same directory, fsync, then rename over the destination.
func Write(path string, snap Context) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := Encode(tmp, snap); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("fsyncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// Read loads a Context snapshot from path. A missing file or a file of
// zero size both mean "no snapshot": Read returns (Context{}, false, nil)
// so callers treat either as a fresh start.
func Read(path string) (Context, bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Context{}, false, nil
		}
		return Context{}, false, fmt.Errorf("stat snapshot %s: %w", path, err)
	}
	if fi.Size() == 0 {
		return Context{}, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Context{}, false, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer f.Close()

	snap, err := Decode(f)
	if err != nil {
		return Context{}, false, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	return snap, true, nil
}

// Encode writes snap's binary representation to w.
func Encode(w io.Writer, snap Context) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.Write(magic[:]); err != nil {
		return err
	}
	if err := writeByte(bw, schemaVersion); err != nil {
		return err
	}

	if err := writeString(bw, snap.CurrentStageName); err != nil {
		return err
	}
	if err := writeString(bw, snap.ReportsDir); err != nil {
		return err
	}

	if err := writeUint32(bw, uint32(len(snap.Stages))); err != nil {
		return err
	}
	for _, s := range snap.Stages {
		if err := writeStageRecord(bw, s); err != nil {
			return err
		}
	}

	if err := writeUint32(bw, uint32(len(snap.Pending))); err != nil {
		return err
	}
	for _, t := range snap.Pending {
		if err := writeTaskRecord(bw, t); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Decode reads a Context snapshot previously written by Encode.
func Decode(r io.Reader) (Context, error) {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return Context{}, fmt.Errorf("reading magic: %w", err)
	}
	if got != magic {
		return Context{}, fmt.Errorf("not a snapshot file (bad magic %x)", got)
	}

	version, err := readByte(r)
	if err != nil {
		return Context{}, fmt.Errorf("reading schema version: %w", err)
	}
	if version != schemaVersion {
		return Context{}, fmt.Errorf("unsupported snapshot schema version %d", version)
	}

	var snap Context
	if snap.CurrentStageName, err = readString(r); err != nil {
		return Context{}, fmt.Errorf("reading current stage name: %w", err)
	}
	if snap.ReportsDir, err = readString(r); err != nil {
		return Context{}, fmt.Errorf("reading reports dir: %w", err)
	}

	stageCount, err := readUint32(r)
	if err != nil {
		return Context{}, fmt.Errorf("reading stage count: %w", err)
	}
	snap.Stages = make([]StageRecord, stageCount)
	for i := range snap.Stages {
		if snap.Stages[i], err = readStageRecord(r); err != nil {
			return Context{}, fmt.Errorf("reading stage %d: %w", i, err)
		}
	}

	pendingCount, err := readUint32(r)
	if err != nil {
		return Context{}, fmt.Errorf("reading pending count: %w", err)
	}
	snap.Pending = make([]TaskRecord, pendingCount)
	for i := range snap.Pending {
		if snap.Pending[i], err = readTaskRecord(r); err != nil {
			return Context{}, fmt.Errorf("reading pending task %d: %w", i, err)
		}
	}

	return snap, nil
}

func writeStageRecord(w io.Writer, s StageRecord) error {
	if err := writeString(w, s.Name); err != nil {
		return err
	}
	if err := writeString(w, s.Options); err != nil {
		return err
	}
	if err := writeString(w, s.ReportsDir); err != nil {
		return err
	}
	if err := writeInt64(w, s.FinishedCount); err != nil {
		return err
	}
	if err := writeString(w, s.Cursor.Path); err != nil {
		return err
	}
	if err := writeInt64(w, s.Cursor.Offset); err != nil {
		return err
	}
	if err := writeInt64(w, s.Cursor.LineCount); err != nil {
		return err
	}
	if err := writeInt64(w, s.Cursor.LineNumber); err != nil {
		return err
	}
	if err := writeBool(w, s.IsDiscovery); err != nil {
		return err
	}
	return writeBool(w, s.Activated)
}

func readStageRecord(r io.Reader) (StageRecord, error) {
	var s StageRecord
	var err error
	if s.Name, err = readString(r); err != nil {
		return s, err
	}
	if s.Options, err = readString(r); err != nil {
		return s, err
	}
	if s.ReportsDir, err = readString(r); err != nil {
		return s, err
	}
	if s.FinishedCount, err = readInt64(r); err != nil {
		return s, err
	}
	if s.Cursor.Path, err = readString(r); err != nil {
		return s, err
	}
	if s.Cursor.Offset, err = readInt64(r); err != nil {
		return s, err
	}
	if s.Cursor.LineCount, err = readInt64(r); err != nil {
		return s, err
	}
	if s.Cursor.LineNumber, err = readInt64(r); err != nil {
		return s, err
	}
	if s.IsDiscovery, err = readBool(r); err != nil {
		return s, err
	}
	if s.Activated, err = readBool(r); err != nil {
		return s, err
	}
	return s, nil
}

func writeTaskRecord(w io.Writer, t TaskRecord) error {
	if err := writeString(w, t.StageName); err != nil {
		return err
	}
	if err := writeString(w, t.Options); err != nil {
		return err
	}
	if err := writeString(w, t.Target); err != nil {
		return err
	}
	return writeByte(w, t.Status)
}

func readTaskRecord(r io.Reader) (TaskRecord, error) {
	var t TaskRecord
	var err error
	if t.StageName, err = readString(r); err != nil {
		return t, err
	}
	if t.Options, err = readString(r); err != nil {
		return t, err
	}
	if t.Target, err = readString(r); err != nil {
		return t, err
	}
	if t.Status, err = readByte(r); err != nil {
		return t, err
	}
	return t, nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeBool(w io.Writer, v bool) error {
	if v {
		return writeByte(w, 1)
	}
	return writeByte(w, 0)
}

func readBool(r io.Reader) (bool, error) {
	b, err := readByte(r)
	return b != 0, err
}

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeInt64(w io.Writer, v int64) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readInt64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
