package autosnapshot

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeSnapshotter struct {
	finished bool
	saves    atomic.Int32
	failing  bool
}

func (f *fakeSnapshotter) IsFinished() bool { return f.finished }

func (f *fakeSnapshotter) SaveSnapshot(path string) error {
	f.saves.Add(1)
	if f.failing {
		return errSave
	}
	return nil
}

var errSave = fakeErr("save failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestRunner_TicksUntilFinished(t *testing.T) {
	sched := &fakeSnapshotter{}
	r, err := New("@every 10ms", sched, "/tmp/does-not-matter.snapshot", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()
	defer r.Stop()

	time.Sleep(50 * time.Millisecond)
	if sched.saves.Load() == 0 {
		t.Fatal("expected at least one periodic snapshot")
	}

	sched.finished = true
	before := sched.saves.Load()
	time.Sleep(50 * time.Millisecond)
	after := sched.saves.Load()
	if after > before+1 {
		t.Errorf("expected ticks to stop saving once finished, before=%d after=%d", before, after)
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	sched := &fakeSnapshotter{}
	if _, err := New("not a cron expr", sched, "/tmp/x", nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
