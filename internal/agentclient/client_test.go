package agentclient

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/distscan/dscan/internal/protocol"
)

type fakeExecutor struct {
	reportPath string
	hash       string
	size       uint32
	statuses   []byte
}

func (f *fakeExecutor) Run(ctx context.Context, target, options string, statusCB func(byte)) (*Report, error) {
	statusCB(protocol.StatusSuccess)
	return &Report{Path: f.reportPath, Name: filepath.Base(f.reportPath), Hash: f.hash, FileSize: f.size}, nil
}

func writeTempReport(t *testing.T, content []byte) (path, hash string) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "report.xml")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	sum := sha512.Sum512(content)
	return path, hex.EncodeToString(sum[:])
}

// TestClient_HappyPath drives a full auth -> command -> report round
// trip against a hand-rolled coordinator-side stub.
func TestClient_HappyPath(t *testing.T) {
	secret := []byte("shared-secret")
	content := []byte("<xml>nmap report</xml>")
	path, hash := writeTempReport(t, content)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	c := New(Options{
		Secret:   secret,
		Executor: &fakeExecutor{reportPath: path, hash: hash, size: uint32(len(content))},
	})

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- runFakeCoordinator(serverConn, secret, content, hash)
	}()

	done := make(chan error, 1)
	go func() {
		conn := clientConn
		done <- clientSession(context.Background(), c, conn)
	}()

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("fake coordinator: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for fake coordinator")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("client session: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client session")
	}
}

// clientSession runs the client's authenticate + one task round trip
// directly against conn, bypassing Dial.
func clientSession(ctx context.Context, c *Client, conn net.Conn) error {
	if err := c.authenticate(conn); err != nil {
		return err
	}
	if err := protocol.WriteReady(conn, 0, "ALICEE"); err != nil {
		return err
	}
	op, frame, err := protocol.Dispatch(conn)
	if err != nil {
		return err
	}
	if op != protocol.OpCommand {
		return errUnexpectedOp(op)
	}
	cmd := frame.(*protocol.Command)
	return c.runTask(ctx, conn, cmd)
}

type errUnexpectedOp byte

func (e errUnexpectedOp) Error() string { return "unexpected op" }

// runFakeCoordinator plays the server side of one auth + one
// command/report cycle, verifying the digest and the uploaded report's
// integrity hash.
func runFakeCoordinator(conn net.Conn, secret, wantContent []byte, wantHash string) error {
	var challenge [protocol.ChallengeSize]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return err
	}
	if err := protocol.WriteAuth(conn, challenge); err != nil {
		return err
	}

	op, frame, err := protocol.Dispatch(conn)
	if err != nil {
		return err
	}
	if op != protocol.OpAuth {
		return errUnexpectedOp(op)
	}
	reply := frame.(*protocol.Auth)

	mac := hmac.New(sha512.New, secret)
	mac.Write(challenge[:])
	expected := hex.EncodeToString(mac.Sum(nil))
	if expected != string(reply.Payload[:]) {
		protocol.WriteRawStatus(conn, protocol.StatusUnauthorized)
		return errAuthMismatch
	}
	if err := protocol.WriteRawStatus(conn, protocol.StatusSuccess); err != nil {
		return err
	}

	_, readyFrame, err := protocol.Dispatch(conn)
	if err != nil {
		return err
	}
	if _, ok := readyFrame.(*protocol.Ready); !ok {
		return errAuthMismatch
	}

	if err := protocol.WriteCommand(conn, "10.0.0.1", "-sS"); err != nil {
		return err
	}
	code, err := protocol.ReadRawStatus(conn)
	if err != nil || code != protocol.StatusSuccess {
		return errAuthMismatch
	}

	op, reportFrame, err := protocol.Dispatch(conn)
	if err != nil {
		return err
	}
	if op != protocol.OpReport {
		return errUnexpectedOp(op)
	}
	report := reportFrame.(*protocol.Report)

	body := make([]byte, report.FileSize)
	if err := readFull(conn, body); err != nil {
		return err
	}
	if report.Hash != wantHash {
		return errAuthMismatch
	}

	return protocol.WriteRawStatus(conn, protocol.StatusSuccess)
}

var errAuthMismatch = errUnexpectedOp(0)

func readFull(conn net.Conn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}
