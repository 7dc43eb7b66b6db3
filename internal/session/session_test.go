package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distscan/dscan/internal/config"
	"github.com/distscan/dscan/internal/protocol"
	"github.com/distscan/dscan/internal/scheduler"
)

func newTestContext(t *testing.T, targets string) *scheduler.Context {
	t.Helper()
	dir := t.TempDir()
	targetsPath := filepath.Join(dir, "targets.txt")
	reportsDir := filepath.Join(dir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(targetsPath, []byte(targets), 0644); err != nil {
		t.Fatal(err)
	}
	stages := []config.StageConfig{{Name: "stage1", Options: "-sS"}}
	ctx, err := scheduler.NewContext(stages, targetsPath, filepath.Join(dir, "live.txt"), reportsDir, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

// TestSession_AuthHappyPath exercises scenario S2.
func TestSession_AuthHappyPath(t *testing.T) {
	secret := []byte("shared-secret")
	sched := newTestContext(t, "10.0.0.1\n")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sess := New(serverConn, sched, secret, nil, nil)
	done := make(chan struct{})
	go func() {
		sess.Serve(context.Background())
		close(done)
	}()

	op, frame, err := protocol.Dispatch(clientConn)
	if err != nil {
		t.Fatalf("reading challenge: %v", err)
	}
	if op != protocol.OpAuth {
		t.Fatalf("op = %#x, want OpAuth", op)
	}
	challenge := frame.(*protocol.Auth)

	mac := hmac.New(sha512.New, secret)
	mac.Write(challenge.Payload[:])
	digest := hex.EncodeToString(mac.Sum(nil))

	var reply protocol.Auth
	copy(reply.Payload[:], digest)
	if err := protocol.WriteAuth(clientConn, reply.Payload); err != nil {
		t.Fatalf("writing digest: %v", err)
	}

	code, err := protocol.ReadRawStatus(clientConn)
	if err != nil {
		t.Fatalf("reading auth result: %v", err)
	}
	if code != protocol.StatusSuccess {
		t.Fatalf("code = %#x, want StatusSuccess", code)
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit after client closed")
	}
}

// TestSession_AuthFailure exercises scenario S3: a wrong digest is
// rejected and the Context is left unchanged.
func TestSession_AuthFailure(t *testing.T) {
	secret := []byte("shared-secret")
	sched := newTestContext(t, "10.0.0.1\n")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sess := New(serverConn, sched, secret, nil, nil)
	done := make(chan struct{})
	go func() {
		sess.Serve(context.Background())
		close(done)
	}()

	_, _, err := protocol.Dispatch(clientConn)
	if err != nil {
		t.Fatalf("reading challenge: %v", err)
	}

	var reply protocol.Auth
	copy(reply.Payload[:], "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000")
	if err := protocol.WriteAuth(clientConn, reply.Payload); err != nil {
		t.Fatalf("writing wrong digest: %v", err)
	}

	code, err := protocol.ReadRawStatus(clientConn)
	if err != nil {
		t.Fatalf("reading auth result: %v", err)
	}
	if code != protocol.StatusUnauthorized {
		t.Fatalf("code = %#x, want StatusUnauthorized", code)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after rejecting auth")
	}

	if len(sched.TasksStatus()) != 0 {
		t.Errorf("expected no outstanding tasks after a failed auth")
	}
}

func authenticatedClient(t *testing.T, secret []byte, clientConn net.Conn) {
	t.Helper()
	_, frame, err := protocol.Dispatch(clientConn)
	if err != nil {
		t.Fatalf("reading challenge: %v", err)
	}
	challenge := frame.(*protocol.Auth)
	mac := hmac.New(sha512.New, secret)
	mac.Write(challenge.Payload[:])
	digest := hex.EncodeToString(mac.Sum(nil))
	var reply protocol.Auth
	copy(reply.Payload[:], digest)
	if err := protocol.WriteAuth(clientConn, reply.Payload); err != nil {
		t.Fatalf("writing digest: %v", err)
	}
	code, err := protocol.ReadRawStatus(clientConn)
	if err != nil || code != protocol.StatusSuccess {
		t.Fatalf("auth failed: code=%v err=%v", code, err)
	}
}

// TestSession_ReportIntegrityMismatch exercises scenario S5.
func TestSession_ReportIntegrityMismatch(t *testing.T) {
	secret := []byte("shared-secret")
	sched := newTestContext(t, "10.0.0.1\n")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sess := New(serverConn, sched, secret, nil, nil)
	done := make(chan struct{})
	go func() {
		sess.Serve(context.Background())
		close(done)
	}()

	authenticatedClient(t, secret, clientConn)

	if err := protocol.WriteReady(clientConn, 0, "ALICEE"); err != nil {
		t.Fatalf("writing ready: %v", err)
	}
	op, frame, err := protocol.Dispatch(clientConn)
	if err != nil {
		t.Fatalf("reading command: %v", err)
	}
	if op != protocol.OpCommand {
		t.Fatalf("op = %#x, want OpCommand", op)
	}
	cmd := frame.(*protocol.Command)
	if cmd.Target != "10.0.0.1" {
		t.Fatalf("target = %q", cmd.Target)
	}
	if err := protocol.WriteRawStatus(clientConn, protocol.StatusSuccess); err != nil {
		t.Fatalf("acking command: %v", err)
	}

	body := make([]byte, 24)
	for i := range body {
		body[i] = byte(i)
	}
	if err := protocol.WriteReport(clientConn, "fu.xml", "not-the-real-hash", uint32(len(body))); err != nil {
		t.Fatalf("writing report header: %v", err)
	}
	if err := protocol.CopyReportBody(clientConn, boundReader{body}, uint32(len(body))); err != nil {
		t.Fatalf("streaming body: %v", err)
	}

	code, err := protocol.ReadRawStatus(clientConn)
	if err != nil {
		t.Fatalf("reading report reply: %v", err)
	}
	if code != protocol.StatusFailed {
		t.Fatalf("code = %#x, want StatusFailed", code)
	}

	statuses := sched.TasksStatus()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 outstanding task, got %d", len(statuses))
	}
	if statuses[0].Status != scheduler.Downloading {
		t.Errorf("status = %v, want Downloading", statuses[0].Status)
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after client disconnect")
	}

	statuses = sched.TasksStatus()
	if len(statuses) != 0 {
		t.Fatalf("expected task to move to Interrupted after disconnect, still active: %+v", statuses)
	}
}

type boundReader struct{ b []byte }

func (r boundReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	return n, nil
}
