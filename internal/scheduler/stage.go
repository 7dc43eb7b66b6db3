package scheduler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/distscan/dscan/internal/cursor"
	"github.com/distscan/dscan/internal/optimizer"
)

// Stage is one logical scan pass over a target list: a name, the
// target-list cursor it consumes, a fixed option string to pass to the
// scan executor, a reports directory, and a count of completed
// targets.
type Stage struct {
	Name        string
	Options     string
	ReportsDir  string
	IsDiscovery bool

	cursor            *cursor.Cursor
	finishedCount     int64
	finishedWithError bool

	// processResults is the stage-type hook described in §4.3. The
	// default is nil (no-op); the Discovery stage sets one that
	// extracts live hosts and writes the downstream targets file.
	processResults func() error
}

// NewStage builds a plain (non-Discovery) stage reading targetsPath.
func NewStage(name, options, targetsPath, reportsDir string) *Stage {
	return &Stage{
		Name:       name,
		Options:    options,
		ReportsDir: reportsDir,
		cursor:     cursor.New(targetsPath, cursor.ReadOnly),
	}
}

// NewDiscoveryStage builds the Discovery stage: it reads the optimized
// target queue at targetsPath and, on finishing, parses its own report
// files to produce the live-target list at liveTargetsPath that
// downstream stages consume.
func NewDiscoveryStage(name, options, targetsPath, reportsDir, liveTargetsPath string) *Stage {
	s := &Stage{
		Name:        name,
		Options:     options,
		ReportsDir:  reportsDir,
		IsDiscovery: true,
		cursor:      cursor.New(targetsPath, cursor.ReadOnly),
	}
	s.processResults = func() error {
		matches, err := filepath.Glob(filepath.Join(reportsDir, "discovery-*.xml"))
		if err != nil {
			return fmt.Errorf("globbing discovery reports: %w", err)
		}
		hosts, err := optimizer.ExtractLiveHosts(matches)
		if err != nil {
			return fmt.Errorf("extracting live hosts: %w", err)
		}
		optimized, err := optimizer.Optimize(hosts)
		if err != nil {
			return fmt.Errorf("optimizing live-target list: %w", err)
		}
		return writeLines(liveTargetsPath, optimized)
	}
	return s
}

func writeLines(path string, lines []string) error {
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// restoreStage rebuilds a Stage from persisted state, re-attaching the
// Discovery hook when applicable. liveTargetsPath is only needed for a
// restored Discovery stage and is supplied by the caller, which knows
// the next stage's target path.
func restoreStage(name, options, reportsDir string, isDiscovery bool, finishedCount int64, cur *cursor.Cursor, liveTargetsPath string) *Stage {
	s := &Stage{
		Name:          name,
		Options:       options,
		ReportsDir:    reportsDir,
		IsDiscovery:   isDiscovery,
		cursor:        cur,
		finishedCount: finishedCount,
	}
	if isDiscovery && liveTargetsPath != "" {
		s.processResults = func() error {
			matches, err := filepath.Glob(filepath.Join(reportsDir, "discovery-*.xml"))
			if err != nil {
				return fmt.Errorf("globbing discovery reports: %w", err)
			}
			hosts, err := optimizer.ExtractLiveHosts(matches)
			if err != nil {
				return fmt.Errorf("extracting live hosts: %w", err)
			}
			optimized, err := optimizer.Optimize(hosts)
			if err != nil {
				return fmt.Errorf("optimizing live-target list: %w", err)
			}
			return writeLines(liveTargetsPath, optimized)
		}
	}
	return s
}

// NextTask returns the next Scheduled task, or (nil, nil) if the
// cursor is cleanly exhausted. A non-nil error means the cursor failed
// for a reason other than exhaustion (e.g. its file vanished); the
// Stage is marked finished-with-error and the caller must advance past
// it.
func (s *Stage) NextTask() (*Task, error) {
	if s.finishedWithError {
		return nil, nil
	}
	line, err := s.cursor.ReadLine()
	if err != nil {
		if err == cursor.ErrEOF {
			return nil, nil
		}
		s.finishedWithError = true
		return nil, fmt.Errorf("stage %s: %w", s.Name, err)
	}
	return &Task{
		StageName: s.Name,
		Options:   s.Options,
		Target:    line,
		Status:    Scheduled,
		stage:     s,
	}, nil
}

// IncrementFinished is the only mutator of finishedCount.
func (s *Stage) IncrementFinished() {
	s.finishedCount++
}

// FinishedCount returns the number of targets this stage has fully
// completed.
func (s *Stage) FinishedCount() int64 {
	return s.finishedCount
}

// LineCount returns the cursor's total line count, or zero if the
// cursor has not yet been opened.
func (s *Stage) LineCount() int64 {
	return s.cursor.LineCount()
}

// IsFinished reports whether every target this stage's cursor yielded
// has been marked completed. A stage that has never been opened (no
// tasks dispensed yet) is not considered finished.
func (s *Stage) IsFinished() bool {
	if s.finishedWithError {
		return true
	}
	if !s.cursor.Opened() && s.cursor.LineNumber() == 0 {
		return false
	}
	return s.finishedCount == s.cursor.LineCount()
}

// ProcessResults runs the stage-type hook. The default is a no-op; the
// Discovery stage overrides it via NewDiscoveryStage.
func (s *Stage) ProcessResults() error {
	if s.processResults == nil {
		return nil
	}
	return s.processResults()
}

// TargetsPath returns the path of the file this stage's cursor reads.
func (s *Stage) TargetsPath() string {
	return s.cursor.Path()
}

// Close releases the stage's cursor file handle.
func (s *Stage) Close() error {
	return s.cursor.Close()
}
