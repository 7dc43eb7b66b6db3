package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/distscan/dscan/internal/config"
)

func writeFileT(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestContext_DiscoveryThenStage1(t *testing.T) {
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, "targets.txt")
	liveTargetsPath := filepath.Join(dir, "live-targets.txt")
	reportsDir := filepath.Join(dir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFileT(t, targetsPath, "10.0.0.1\n10.0.0.2\n")
	writeFileT(t, filepath.Join(reportsDir, "discovery-report.xml"), "Host: 10.0.0.1 up\nHost: 10.0.0.2 up\n")

	stages := []config.StageConfig{
		{Name: "discovery", Options: "-sn"},
		{Name: "stage1", Options: "-sS"},
	}
	ctx, err := NewContext(stages, targetsPath, liveTargetsPath, reportsDir, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	const agent = "10.0.0.50:9999"

	task1, ok := ctx.Pop(agent)
	if !ok || task1.StageName != "discovery" || task1.Target != "10.0.0.1" {
		t.Fatalf("task1 = %+v, ok=%v", task1, ok)
	}
	ctx.Running(agent)
	ctx.Completed(agent)

	task2, ok := ctx.Pop(agent)
	if !ok || task2.StageName != "discovery" || task2.Target != "10.0.0.2" {
		t.Fatalf("task2 = %+v, ok=%v", task2, ok)
	}
	ctx.Completed(agent)

	task3, ok := ctx.Pop(agent)
	if !ok {
		t.Fatal("expected a stage1 task after discovery finishes")
	}
	if task3.StageName != "stage1" {
		t.Errorf("task3.StageName = %q, want stage1", task3.StageName)
	}
	if task3.Target != "10.0.0.1" {
		t.Errorf("task3.Target = %q, want 10.0.0.1", task3.Target)
	}

	liveData, err := os.ReadFile(liveTargetsPath)
	if err != nil {
		t.Fatalf("reading live-targets file: %v", err)
	}
	if string(liveData) != "10.0.0.1\n10.0.0.2\n" {
		t.Errorf("live-targets content = %q", liveData)
	}
}

func TestContext_DiscoveryGate_S6(t *testing.T) {
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, "targets.txt")
	liveTargetsPath := filepath.Join(dir, "live-targets.txt")
	reportsDir := filepath.Join(dir, "reports")
	os.MkdirAll(reportsDir, 0755)
	writeFileT(t, targetsPath, "10.0.0.1\n10.0.0.2\n")

	stages := []config.StageConfig{
		{Name: "discovery", Options: "-sn"},
		{Name: "stage1", Options: "-sS"},
	}
	ctx, err := NewContext(stages, targetsPath, liveTargetsPath, reportsDir, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	taskA, ok := ctx.Pop("A")
	if !ok || taskA.Target != "10.0.0.1" {
		t.Fatalf("taskA = %+v, ok=%v", taskA, ok)
	}

	taskB, ok := ctx.Pop("B")
	if !ok || taskB.Target != "10.0.0.2" {
		t.Fatalf("taskB = %+v, ok=%v", taskB, ok)
	}

	ctx.Completed("B")

	_, ok = ctx.Pop("B")
	if ok {
		t.Fatal("expected B to receive nothing while A is still running discovery")
	}
}

func TestContext_RedeliveryIdempotent(t *testing.T) {
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, "targets.txt")
	reportsDir := filepath.Join(dir, "reports")
	os.MkdirAll(reportsDir, 0755)
	writeFileT(t, targetsPath, "10.0.0.1\n10.0.0.2\n")

	stages := []config.StageConfig{{Name: "probe", Options: "-sS"}}
	ctx, err := NewContext(stages, targetsPath, targetsPath, reportsDir, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	first, ok := ctx.Pop("A")
	if !ok {
		t.Fatal("expected a task")
	}
	second, ok := ctx.Pop("A")
	if !ok {
		t.Fatal("expected a task on redelivery")
	}
	if !first.Equal(second) {
		t.Errorf("redelivered task differs: %+v vs %+v", first, second)
	}
	if len(ctx.active) != 1 {
		t.Errorf("active should still have exactly 1 entry, got %d", len(ctx.active))
	}
}

func TestContext_InterruptAndResume_S4(t *testing.T) {
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, "targets.txt")
	reportsDir := filepath.Join(dir, "reports")
	os.MkdirAll(reportsDir, 0755)
	writeFileT(t, targetsPath, "t1\nt2\nt3\nt4\n")

	stages := []config.StageConfig{{Name: "probe", Options: "-sS"}}
	ctx, err := NewContext(stages, targetsPath, targetsPath, reportsDir, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	taskA, ok := ctx.Pop("A")
	if !ok || taskA.Target != "t1" {
		t.Fatalf("taskA = %+v", taskA)
	}
	taskB, ok := ctx.Pop("B")
	if !ok || taskB.Target != "t2" {
		t.Fatalf("taskB = %+v", taskB)
	}

	snap := ctx.Snapshot()
	if len(snap.Pending) != 2 {
		t.Fatalf("expected 2 pending tasks after snapshot, got %d", len(snap.Pending))
	}

	restored, err := Restore(snap, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	next1, ok := restored.Pop("C")
	if !ok {
		t.Fatal("expected pending task first")
	}
	next2, ok := restored.Pop("D")
	if !ok {
		t.Fatal("expected pending task second")
	}

	got := map[string]bool{next1.Target: true, next2.Target: true}
	if !got["t1"] || !got["t2"] {
		t.Errorf("expected pending tasks t1 and t2 to be redispensed first, got %v", got)
	}
	if next1.Status != Scheduled || next2.Status != Scheduled {
		t.Errorf("redispensed pending tasks must be Scheduled, got %v and %v", next1.Status, next2.Status)
	}

	next3, ok := restored.Pop("E")
	if !ok || next3.Target != "t3" {
		t.Fatalf("expected t3 from the cursor after pending drains, got %+v", next3)
	}
}

func TestContext_IsFinished_FullRun(t *testing.T) {
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, "targets.txt")
	reportsDir := filepath.Join(dir, "reports")
	os.MkdirAll(reportsDir, 0755)
	writeFileT(t, targetsPath, "t1\nt2\n")

	stages := []config.StageConfig{{Name: "probe", Options: "-sS"}}
	ctx, err := NewContext(stages, targetsPath, targetsPath, reportsDir, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	if ctx.IsFinished() {
		t.Fatal("must not be finished before any task completes")
	}

	t1, _ := ctx.Pop("A")
	_ = t1
	ctx.Completed("A")

	t2, _ := ctx.Pop("A")
	_ = t2
	if ctx.IsFinished() {
		t.Fatal("must not be finished with an outstanding task")
	}
	ctx.Completed("A")

	if !ctx.IsFinished() {
		t.Fatal("expected IsFinished once every target is completed")
	}

	if _, ok := ctx.Pop("A"); ok {
		t.Error("expected no more tasks once finished")
	}
	if !ctx.IsFinished() {
		t.Error("completion must be monotone: isFinished must not revert to false")
	}
}

func TestContext_GetReport_NamesByStage(t *testing.T) {
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, "targets.txt")
	reportsDir := filepath.Join(dir, "reports")
	os.MkdirAll(reportsDir, 0755)
	writeFileT(t, targetsPath, "t1\n")

	stages := []config.StageConfig{{Name: "probe", Options: "-sS"}}
	ctx, err := NewContext(stages, targetsPath, targetsPath, reportsDir, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	ctx.Pop("A")
	f, ok := ctx.GetReport("A", "fu.xml")
	if !ok {
		t.Fatal("expected GetReport to succeed for a known agent")
	}
	f.Close()

	want := filepath.Join(reportsDir, "probe-fu.xml")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected report file at %s: %v", want, err)
	}
}

func TestContext_GetReport_UnknownAgent(t *testing.T) {
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, "targets.txt")
	reportsDir := filepath.Join(dir, "reports")
	os.MkdirAll(reportsDir, 0755)
	writeFileT(t, targetsPath, "t1\n")

	stages := []config.StageConfig{{Name: "probe", Options: "-sS"}}
	ctx, err := NewContext(stages, targetsPath, targetsPath, reportsDir, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	if _, ok := ctx.GetReport("ghost", "fu.xml"); ok {
		t.Error("expected GetReport to fail for an unknown agent")
	}
}
