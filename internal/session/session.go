// Package session implements the coordinator's per-connection agent
// session (C5): authenticate, dispense tasks, receive reports, detect
// disconnects.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/time/rate"

	"github.com/distscan/dscan/internal/protocol"
	"github.com/distscan/dscan/internal/scheduler"
	"github.com/distscan/dscan/internal/throttle"
)

// Session owns one accepted connection's state machine: authenticate,
// then loop dispensing tasks and receiving reports until the peer
// disconnects, the scan finishes, or the coordinator shuts down.
type Session struct {
	conn    net.Conn
	sched   *scheduler.Context
	secret  []byte
	limiter *rate.Limiter
	logger  *slog.Logger

	agent         string
	authenticated bool
	connected     bool
}

// New builds a Session for an already-accepted connection. limiter may
// be nil, disabling report-transfer throttling.
func New(conn net.Conn, sched *scheduler.Context, secret []byte, limiter *rate.Limiter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:    conn,
		sched:   sched,
		secret:  secret,
		limiter: limiter,
		logger:  logger,
		agent:   conn.RemoteAddr().String(),
	}
}

// Finished reports whether the scan was already complete by the time
// this session closed, so the caller (the listener) knows to stop
// accepting new connections.
func (s *Session) Finished() bool {
	return s.sched.IsFinished()
}

// Serve runs the session's full lifecycle: authenticate, then serve
// READY/REPORT frames until the peer disconnects, ctx is canceled, or
// the scan is finished. It always closes the connection before
// returning.
func (s *Session) Serve(ctx context.Context) {
	defer s.conn.Close()

	logger := s.logger.With("agent", s.agent)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	if err := s.authenticate(); err != nil {
		logger.Warn("authentication failed", "error", err)
		return
	}
	s.authenticated = true
	s.connected = true
	logger.Info("agent authenticated")

	for s.connected && ctx.Err() == nil && !s.sched.IsFinished() {
		if err := s.serveOne(logger); err != nil {
			if err != io.EOF {
				logger.Debug("session ending", "error", err)
			}
			return
		}
	}
}

// authenticate runs the challenge/response handshake described in
// §4.5: send a random 128-byte challenge, expect an AUTH reply whose
// payload is the hex-encoded HMAC-SHA512 digest of the challenge under
// the shared secret key, compared in constant time.
func (s *Session) authenticate() error {
	var challenge [protocol.ChallengeSize]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return fmt.Errorf("generating auth challenge: %w", err)
	}
	if err := protocol.WriteAuth(s.conn, challenge); err != nil {
		return fmt.Errorf("sending auth challenge: %w", err)
	}

	op, frame, err := protocol.Dispatch(s.conn)
	if err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}
	if op != protocol.OpAuth {
		protocol.WriteRawStatus(s.conn, protocol.StatusUnauthorized)
		return fmt.Errorf("expected AUTH reply, got op %#x", op)
	}
	reply := frame.(*protocol.Auth)

	mac := hmac.New(sha512.New, s.secret)
	mac.Write(challenge[:])
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), reply.Payload[:]) != 1 {
		protocol.WriteRawStatus(s.conn, protocol.StatusUnauthorized)
		return fmt.Errorf("digest mismatch from %s", s.agent)
	}

	return protocol.WriteRawStatus(s.conn, protocol.StatusSuccess)
}

// serveOne reads and dispatches one framed message. A returned error
// means the session must end; the caller closes the connection.
func (s *Session) serveOne(logger *slog.Logger) error {
	op, frame, err := protocol.Dispatch(s.conn)
	if err != nil {
		s.sched.Interrupted(s.agent)
		return fmt.Errorf("reading frame: %w", err)
	}

	if !s.authenticated && op != protocol.OpAuth {
		protocol.WriteRawStatus(s.conn, protocol.StatusUnauthorized)
		return fmt.Errorf("op %#x before authentication", op)
	}

	switch op {
	case protocol.OpReady:
		return s.handleReady(frame.(*protocol.Ready), logger)
	case protocol.OpReport:
		return s.handleReport(frame.(*protocol.Report), logger)
	default:
		logger.Warn("unexpected op in serving loop", "op", op)
		return protocol.WriteRawStatus(s.conn, protocol.StatusFailed)
	}
}

func (s *Session) handleReady(ready *protocol.Ready, logger *slog.Logger) error {
	logger.Info("ready", "uid", ready.UID, "alias", ready.Alias)
	if ready.UID != 0 {
		logger.Warn("agent advertised non-root uid", "uid", ready.UID)
	}

	task, ok := s.sched.Pop(s.agent)
	if !ok {
		if s.sched.IsFinished() {
			s.connected = false
			return protocol.WriteCommand(s.conn, "", "")
		}
		return protocol.WriteStatus(s.conn, protocol.StatusUnfinished)
	}

	if err := protocol.WriteCommand(s.conn, task.Target, task.Options); err != nil {
		s.sched.Interrupted(s.agent)
		return fmt.Errorf("sending command: %w", err)
	}

	code, err := protocol.ReadRawStatus(s.conn)
	if err != nil || code != protocol.StatusSuccess {
		s.sched.Interrupted(s.agent)
		s.connected = false
		if err != nil {
			return fmt.Errorf("reading command ack: %w", err)
		}
		return fmt.Errorf("agent rejected command, status %#x", code)
	}

	s.sched.Running(s.agent)
	return nil
}

func (s *Session) handleReport(report *protocol.Report, logger *slog.Logger) error {
	sink, ok := s.sched.GetReport(s.agent, report.Name)
	if !ok {
		return protocol.WriteRawStatus(s.conn, protocol.StatusFailed)
	}
	defer sink.Close()

	s.sched.Downloading(s.agent)

	hasher := sha512.New()
	var w io.Writer = io.MultiWriter(sink, hasher)
	if s.limiter != nil {
		w = throttle.NewWriter(w, s.limiter)
	}

	if err := protocol.CopyReportBody(w, s.conn, report.FileSize); err != nil {
		s.sched.Interrupted(s.agent)
		return fmt.Errorf("receiving report body: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(digest), []byte(report.Hash)) != 1 {
		logger.Warn("report integrity mismatch", "name", report.Name)
		return protocol.WriteRawStatus(s.conn, protocol.StatusFailed)
	}

	s.sched.Completed(s.agent)
	return protocol.WriteRawStatus(s.conn, protocol.StatusSuccess)
}
