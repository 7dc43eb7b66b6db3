package scheduler

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/distscan/dscan/internal/config"
	"github.com/distscan/dscan/internal/cursor"
	"github.com/distscan/dscan/internal/snapshot"
)

// Context is the coordinator's thread-safe task dispenser and status
// ledger. All public operations are serialized under its mutex.
type Context struct {
	mu sync.Mutex

	upcoming     []*Stage // not yet started, in configured order
	currentStage *Stage   // nil once every stage has been closed
	activated    []*Stage // every stage that has ever been made current, in order

	active  map[string]*Task // agent -> outstanding task
	pending []*Task          // FIFO re-dispense queue

	reportsDir string
	stageCount int

	logger *slog.Logger
}

// NewContext builds a fresh Context from a configured scan plan. The
// stage whose name matches "discovery" (case-insensitive) reads
// targetsPath and, on finishing, writes liveTargetsPath; every other
// stage reads liveTargetsPath.
func NewContext(stages []config.StageConfig, targetsPath, liveTargetsPath, reportsDir string, logger *slog.Logger) (*Context, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("scheduler: at least one stage is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	built := make([]*Stage, 0, len(stages))
	for _, sc := range stages {
		if isDiscoveryName(sc.Name) {
			built = append(built, NewDiscoveryStage(sc.Name, sc.Options, targetsPath, reportsDir, liveTargetsPath))
		} else {
			built = append(built, NewStage(sc.Name, sc.Options, liveTargetsPath, reportsDir))
		}
	}

	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating reports directory %s: %w", reportsDir, err)
	}

	return &Context{
		upcoming:     built[1:],
		currentStage: built[0],
		activated:    []*Stage{built[0]},
		active:       make(map[string]*Task),
		reportsDir:   reportsDir,
		stageCount:   len(built),
		logger:       logger,
	}, nil
}

func isDiscoveryName(name string) bool {
	return strings.EqualFold(name, "discovery")
}

// advanceStage closes the current stage and activates the next
// upcoming one, if any.
func (c *Context) advanceStage() {
	c.currentStage.Close()
	if len(c.upcoming) == 0 {
		c.currentStage = nil
		return
	}
	next := c.upcoming[0]
	c.upcoming = c.upcoming[1:]
	c.currentStage = next
	c.activated = append(c.activated, next)
}

// Pop dispenses the next task for agent, or (nil, false) if none is
// currently available. See §4.4 for the four-step algorithm.
func (c *Context) Pop(agent string) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.active[agent]; ok {
		t.Status = Scheduled
		return t, true
	}

	if len(c.pending) > 0 {
		t := c.pending[0]
		c.pending = c.pending[1:]
		t.Status = Scheduled
		c.active[agent] = t
		return t, true
	}

	for {
		if c.currentStage == nil {
			return nil, false
		}

		task, err := c.currentStage.NextTask()
		if task != nil {
			c.active[agent] = task
			return task, true
		}
		if err != nil {
			c.logger.Error("stage cursor failed, advancing past it", "stage", c.currentStage.Name, "error", err)
			c.advanceStage()
			continue
		}

		if c.currentStage.IsDiscovery && !c.currentStage.IsFinished() {
			return nil, false
		}

		if perr := c.currentStage.ProcessResults(); perr != nil {
			c.logger.Error("stage post-processing failed", "stage", c.currentStage.Name, "error", perr)
		}
		c.advanceStage()
	}
}

// Running transitions agent's outstanding task to Running. Unknown
// agents are logged and ignored.
func (c *Context) Running(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[agent]
	if !ok {
		c.logger.Warn("running: unknown agent", "agent", agent)
		return
	}
	t.Status = Running
}

// Downloading transitions agent's outstanding task to Downloading.
func (c *Context) Downloading(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[agent]
	if !ok {
		c.logger.Warn("downloading: unknown agent", "agent", agent)
		return
	}
	t.Status = Downloading
}

// Completed marks agent's outstanding task Completed, credits its
// stage's finished count, and removes it from active.
func (c *Context) Completed(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[agent]
	if !ok {
		c.logger.Warn("completed: unknown agent", "agent", agent)
		return
	}
	t.Status = Completed
	if t.stage != nil {
		t.stage.IncrementFinished()
	}
	delete(c.active, agent)
}

// Interrupted moves agent's outstanding task from active to the tail
// of pending, marked Interrupted.
func (c *Context) Interrupted(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[agent]
	if !ok {
		c.logger.Warn("interrupted: unknown agent", "agent", agent)
		return
	}
	t.Status = Interrupted
	delete(c.active, agent)
	c.pending = append(c.pending, t)
}

// GetReport opens a file under the reports directory named
// "<stageName>-<filename>" for the stage owning agent's outstanding
// task. It returns (nil, false) and logs if agent has no outstanding
// task.
func (c *Context) GetReport(agent, filename string) (*os.File, bool) {
	c.mu.Lock()
	t, ok := c.active[agent]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("getReport: unknown agent", "agent", agent)
		return nil, false
	}

	path := filepath.Join(c.reportsDir, t.StageName+"-"+filename)
	f, err := os.Create(path)
	if err != nil {
		c.logger.Error("creating report sink", "path", path, "error", err)
		return nil, false
	}
	return f, true
}

// TaskStatus is an immutable snapshot of one outstanding task, for
// display.
type TaskStatus struct {
	Agent     string
	StageName string
	Target    string
	Options   string
	Status    Status
}

// TasksStatus returns the status of every currently outstanding task.
func (c *Context) TasksStatus() []TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TaskStatus, 0, len(c.active))
	for agent, t := range c.active {
		out = append(out, TaskStatus{Agent: agent, StageName: t.StageName, Target: t.Target, Options: t.Options, Status: t.Status})
	}
	return out
}

// StageStatus is an immutable snapshot of one stage's progress.
type StageStatus struct {
	Name          string
	FinishedCount int64
	LineCount     int64
	IsDiscovery   bool
	Current       bool
}

// ActiveStagesStatus returns the status of every currently active
// stage. The default sequential implementation keeps exactly one stage
// active at a time.
func (c *Context) ActiveStagesStatus() []StageStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentStage == nil {
		return nil
	}
	return []StageStatus{{
		Name:          c.currentStage.Name,
		FinishedCount: c.currentStage.FinishedCount(),
		LineCount:     c.currentStage.LineCount(),
		IsDiscovery:   c.currentStage.IsDiscovery,
		Current:       true,
	}}
}

// CtxStatus is an immutable summary of the whole Context, for display.
type CtxStatus struct {
	CurrentStage   string
	ActivatedCount int
	StageCount     int
	ActiveCount    int
	PendingCount   int
	Finished       bool
}

// CtxStatus returns a summary of the Context's overall progress.
func (c *Context) CtxStatus() CtxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := ""
	if c.currentStage != nil {
		name = c.currentStage.Name
	}
	return CtxStatus{
		CurrentStage:   name,
		ActivatedCount: len(c.activated),
		StageCount:     c.stageCount,
		ActiveCount:    len(c.active),
		PendingCount:   len(c.pending),
		Finished:       c.isFinished(),
	}
}

// IsFinished reports whether every stage that has been activated is
// finished, every configured stage has been activated, and both active
// and pending are empty.
func (c *Context) IsFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFinished()
}

func (c *Context) isFinished() bool {
	if len(c.activated) != c.stageCount {
		return false
	}
	for _, s := range c.activated {
		if !s.IsFinished() {
			return false
		}
	}
	return len(c.active) == 0 && len(c.pending) == 0
}

// Snapshot serializes the Context's durable state: every Task
// currently in active is flipped to Interrupted and appended to
// pending before the pending queue is captured, and active is emptied.
func (c *Context) Snapshot() snapshot.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	for agent, t := range c.active {
		t.Status = Interrupted
		c.pending = append(c.pending, t)
		delete(c.active, agent)
	}

	fullOrder := make([]*Stage, 0, len(c.activated)+len(c.upcoming))
	fullOrder = append(fullOrder, c.activated...)
	fullOrder = append(fullOrder, c.upcoming...)

	stageRecords := make([]snapshot.StageRecord, len(fullOrder))
	activatedSet := make(map[*Stage]bool, len(c.activated))
	for _, s := range c.activated {
		activatedSet[s] = true
	}
	for i, s := range fullOrder {
		cs := s.cursor.Snapshot()
		stageRecords[i] = snapshot.StageRecord{
			Name:          s.Name,
			Options:       s.Options,
			ReportsDir:    s.ReportsDir,
			FinishedCount: s.FinishedCount(),
			Cursor: snapshot.CursorRecord{
				Path:       cs.Path,
				Offset:     cs.Offset,
				LineCount:  cs.LineCount,
				LineNumber: cs.LineNumber,
			},
			IsDiscovery: s.IsDiscovery,
			Activated:   activatedSet[s],
		}
	}

	pendingRecords := make([]snapshot.TaskRecord, len(c.pending))
	for i, t := range c.pending {
		pendingRecords[i] = snapshot.TaskRecord{
			StageName: t.StageName,
			Options:   t.Options,
			Target:    t.Target,
			Status:    byte(Interrupted),
		}
	}

	currentName := ""
	if c.currentStage != nil {
		currentName = c.currentStage.Name
	}

	return snapshot.Context{
		Stages:           stageRecords,
		CurrentStageName: currentName,
		Pending:          pendingRecords,
		ReportsDir:       c.reportsDir,
	}
}

// Restore rebuilds a Context from a persisted snapshot.Context. Every
// pending task is restored with status Interrupted; active starts
// empty, matching the invariant that active is never persisted.
func Restore(snap snapshot.Context, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(snap.Stages) == 0 {
		return nil, fmt.Errorf("scheduler: snapshot has no stages")
	}

	stages := make([]*Stage, len(snap.Stages))
	for i, sr := range snap.Stages {
		cur := cursor.Restore(cursor.Snapshot{
			Path:       sr.Cursor.Path,
			Offset:     sr.Cursor.Offset,
			LineCount:  sr.Cursor.LineCount,
			LineNumber: sr.Cursor.LineNumber,
		})
		liveTargetsPath := ""
		if sr.IsDiscovery && i+1 < len(snap.Stages) {
			liveTargetsPath = snap.Stages[i+1].Cursor.Path
		}
		stages[i] = restoreStage(sr.Name, sr.Options, sr.ReportsDir, sr.IsDiscovery, sr.FinishedCount, cur, liveTargetsPath)
	}

	byName := make(map[string]*Stage, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}

	var activated, upcoming []*Stage
	var currentStage *Stage
	if snap.CurrentStageName == "" {
		activated = stages
	} else {
		idx := -1
		for i, s := range stages {
			if s.Name == snap.CurrentStageName {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("scheduler: current stage %q not found among snapshot stages", snap.CurrentStageName)
		}
		activated = stages[:idx+1]
		upcoming = stages[idx+1:]
		currentStage = stages[idx]
	}

	pending := make([]*Task, len(snap.Pending))
	for i, tr := range snap.Pending {
		pending[i] = &Task{
			StageName: tr.StageName,
			Options:   tr.Options,
			Target:    tr.Target,
			Status:    Status(tr.Status),
			stage:     byName[tr.StageName],
		}
	}

	return &Context{
		upcoming:     upcoming,
		currentStage: currentStage,
		activated:    activated,
		active:       make(map[string]*Task),
		pending:      pending,
		reportsDir:   snap.ReportsDir,
		stageCount:   len(stages),
		logger:       logger,
	}, nil
}

// SaveSnapshot writes the Context's current state to path, atomically.
func (c *Context) SaveSnapshot(path string) error {
	return snapshot.Write(path, c.Snapshot())
}

// LoadContext reads a snapshot from path. If no snapshot exists
// (missing or zero-size file) it returns (nil, false, nil) so the
// caller can fall back to a fresh Context built from config.
func LoadContext(path string, logger *slog.Logger) (*Context, bool, error) {
	snap, ok, err := snapshot.Read(path)
	if err != nil || !ok {
		return nil, ok, err
	}
	ctx, err := Restore(snap, logger)
	if err != nil {
		return nil, false, err
	}
	return ctx, true, nil
}
