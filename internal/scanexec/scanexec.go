// Package scanexec is the default ScanExecutor collaborator: it shells
// out to the configured external scanner binary and packages its
// output file into an agentclient.Report. The core only needs "run a
// command line against a target and produce a report file with a known
// name" (§1) — probe logic itself is out of scope.
package scanexec

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/distscan/dscan/internal/agentclient"
	"github.com/distscan/dscan/internal/protocol"
)

// Executor runs Command against a target with the stage's option
// string and writes the report under ReportsDir.
type Executor struct {
	Command    string
	ReportsDir string
}

// New builds an Executor. command defaults to "nmap" if empty.
func New(command, reportsDir string) *Executor {
	if command == "" {
		command = "nmap"
	}
	return &Executor{Command: command, ReportsDir: reportsDir}
}

// Run satisfies agentclient.ScanExecutor. It invokes statusCB(SUCCESS)
// as soon as the scanner process starts and statusCB(FAILED) on any
// error that prevents a report from being produced.
func (e *Executor) Run(ctx context.Context, target, options string, statusCB func(byte)) (*agentclient.Report, error) {
	outPath, err := uniqueReportPath(e.ReportsDir, target)
	if err != nil {
		statusCB(protocol.StatusFailed)
		return nil, fmt.Errorf("allocating report path for %s: %w", target, err)
	}

	args := append(strings.Fields(options), "-oX", outPath, target)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		statusCB(protocol.StatusFailed)
		return nil, fmt.Errorf("starting scanner %s: %w", e.Command, err)
	}
	statusCB(protocol.StatusSuccess)

	if err := cmd.Wait(); err != nil {
		statusCB(protocol.StatusFailed)
		return nil, fmt.Errorf("scanner %s failed: %w: %s", e.Command, err, stderr.String())
	}

	hash, size, err := hashFile(outPath)
	if err != nil {
		statusCB(protocol.StatusFailed)
		return nil, fmt.Errorf("hashing report %s: %w", outPath, err)
	}

	return &agentclient.Report{
		Path:     outPath,
		Name:     filepath.Base(outPath),
		Hash:     hash,
		FileSize: size,
	}, nil
}

// uniqueReportPath computes reportsDir/<target-with-slashes-replaced>.xml,
// prepending a numeric disambiguator ("1-", "2-", …) if that name
// already exists, per §4.6's agent-side naming rule.
func uniqueReportPath(reportsDir, target string) (string, error) {
	base := strings.ReplaceAll(target, "/", "-") + ".xml"
	path := filepath.Join(reportsDir, base)

	for n := 1; ; n++ {
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", err
		}
		path = filepath.Join(reportsDir, fmt.Sprintf("%d-%s", n, base))
	}
}

func hashFile(path string) (string, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha512.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), uint32(n), nil
}
