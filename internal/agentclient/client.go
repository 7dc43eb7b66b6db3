// Package agentclient implements the scan agent's outbound peer (C6):
// connect, authenticate, loop requesting work and uploading reports.
package agentclient

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/distscan/dscan/internal/protocol"
	"github.com/distscan/dscan/internal/throttle"
)

// reconnectBackoff separates successive connection attempts after a
// transient network error, per §4.6 step 5.
const reconnectBackoff = 2 * time.Second

// unfinishedBackoff is how long the agent sleeps after a Discovery-gate
// STATUS(UNFINISHED) reply before retrying READY.
const unfinishedBackoff = 5 * time.Second

// Report is what a ScanExecutor hands back once a scan completes: the
// local file holding the report plus the metadata the wire protocol's
// REPORT frame carries.
type Report struct {
	Path     string
	Name     string
	Hash     string
	FileSize uint32
}

// ScanExecutor is the external scanner collaborator contract (§4.6):
// run target/options, invoke statusCB(SUCCESS) once scanning has
// actually started or statusCB(FAILED) and return an error otherwise.
type ScanExecutor interface {
	Run(ctx context.Context, target, options string, statusCB func(code byte)) (*Report, error)
}

// Client is the scan agent's long-lived outbound peer.
type Client struct {
	serverAddr    string
	tlsConfig     *tls.Config
	secret        []byte
	executor      ScanExecutor
	retryAttempts int
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// Options configures a Client.
type Options struct {
	ServerAddr    string
	TLSConfig     *tls.Config
	Secret        []byte
	Executor      ScanExecutor
	RetryAttempts int // bounded at 3 by convention; 0 defaults to 3
	Limiter       *rate.Limiter
	Logger        *slog.Logger
}

// New builds a Client from Options.
func New(opts Options) *Client {
	retries := opts.RetryAttempts
	if retries <= 0 {
		retries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		serverAddr:    opts.ServerAddr,
		tlsConfig:     opts.TLSConfig,
		secret:        opts.Secret,
		executor:      opts.Executor,
		retryAttempts: retries,
		limiter:       opts.Limiter,
		logger:        logger,
	}
}

// Run drives the agent's connect/retry loop (§4.6) until the
// coordinator reports the scan finished, ctx is canceled, or the retry
// budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	retries := 0
	for retries < c.retryAttempts {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		authenticated, err := c.session(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if authenticated {
			retries = 0
		}
		retries++
		c.logger.Warn("session ended, retrying", "error", err, "attempt", retries, "max", c.retryAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
	return fmt.Errorf("agentclient: exhausted %d reconnect attempts", c.retryAttempts)
}

// session runs one connect-authenticate-serve cycle. The returned bool
// reports whether authentication succeeded in this attempt, so Run can
// reset its retry budget (§4.6 step 3) even when the session later
// fails. A nil error means the coordinator reported the scan finished;
// any non-nil error triggers a reconnect in Run.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, err := tls.Dial("tcp", c.serverAddr, c.tlsConfig)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", c.serverAddr, err)
	}
	defer conn.Close()

	if err := c.authenticate(conn); err != nil {
		return false, err
	}
	c.logger.Info("authenticated", "server", c.serverAddr)

	alias, err := randomAlias()
	if err != nil {
		return true, fmt.Errorf("generating alias: %w", err)
	}
	uid := uint8(os.Getuid() & 0xFF)

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		if err := protocol.WriteReady(conn, uid, alias); err != nil {
			return true, fmt.Errorf("sending ready: %w", err)
		}

		op, frame, err := protocol.Dispatch(conn)
		if err != nil {
			return true, fmt.Errorf("reading server reply: %w", err)
		}

		switch op {
		case protocol.OpStatus:
			st := frame.(*protocol.Status)
			switch st.Code {
			case protocol.StatusFinished:
				return true, nil
			case protocol.StatusUnfinished:
				select {
				case <-ctx.Done():
					return true, ctx.Err()
				case <-time.After(unfinishedBackoff):
				}
				continue
			default:
				return true, fmt.Errorf("unexpected status %#x after ready", st.Code)
			}
		case protocol.OpCommand:
			cmd := frame.(*protocol.Command)
			if cmd.Target == "" {
				return true, nil
			}
			if err := c.runTask(ctx, conn, cmd); err != nil {
				return true, err
			}
		default:
			return true, fmt.Errorf("unexpected op %#x after ready", op)
		}
	}
}

// authenticate runs the client side of the §4.5 handshake: receive the
// challenge, reply with its HMAC-SHA512 hex digest, confirm success.
func (c *Client) authenticate(conn io.ReadWriter) error {
	op, frame, err := protocol.Dispatch(conn)
	if err != nil {
		return fmt.Errorf("reading auth challenge: %w", err)
	}
	if op != protocol.OpAuth {
		return fmt.Errorf("expected AUTH challenge, got op %#x", op)
	}
	challenge := frame.(*protocol.Auth)

	mac := hmac.New(sha512.New, c.secret)
	mac.Write(challenge.Payload[:])
	digestHex := hex.EncodeToString(mac.Sum(nil))

	var reply protocol.Auth
	copy(reply.Payload[:], digestHex)
	if err := protocol.WriteAuth(conn, reply.Payload); err != nil {
		return fmt.Errorf("sending auth digest: %w", err)
	}

	code, err := protocol.ReadRawStatus(conn)
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}
	if code != protocol.StatusSuccess {
		return fmt.Errorf("authentication rejected, status %#x", code)
	}
	return nil
}

// runTask executes one dispensed command and uploads its report,
// following §4.6 step 4: the executor invokes statusCB as its status
// reply to COMMAND, then the report is streamed and retried up to 3
// times on integrity failure.
func (c *Client) runTask(ctx context.Context, conn io.ReadWriter, cmd *protocol.Command) error {
	report, err := c.executor.Run(ctx, cmd.Target, cmd.Options, func(code byte) {
		if werr := protocol.WriteRawStatus(conn, code); werr != nil {
			c.logger.Error("writing command status callback", "error", werr)
		}
	})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", cmd.Target, err)
	}

	const maxReportAttempts = 3
	var lastRejection error
	for attempt := 1; attempt <= maxReportAttempts; attempt++ {
		code, err := c.uploadReportOnce(conn, report)
		if err != nil {
			return fmt.Errorf("uploading report for %s: %w", cmd.Target, err)
		}
		if code == protocol.StatusSuccess {
			return nil
		}
		lastRejection = fmt.Errorf("report for %s rejected (status %#x), attempt %d/%d", cmd.Target, code, attempt, maxReportAttempts)
		c.logger.Warn("report integrity check failed, retrying", "target", cmd.Target, "attempt", attempt)
	}
	return lastRejection
}

func (c *Client) uploadReportOnce(conn io.ReadWriter, report *Report) (byte, error) {
	f, err := os.Open(report.Path)
	if err != nil {
		return 0, fmt.Errorf("opening report file: %w", err)
	}
	defer f.Close()

	if err := protocol.WriteReport(conn, report.Name, report.Hash, report.FileSize); err != nil {
		return 0, fmt.Errorf("sending report header: %w", err)
	}

	var r io.Reader = f
	if c.limiter != nil {
		r = throttle.NewReader(r, c.limiter)
	}
	if err := protocol.CopyReportBody(conn, r, report.FileSize); err != nil {
		return 0, fmt.Errorf("streaming report body: %w", err)
	}

	return protocol.ReadRawStatus(conn)
}

func randomAlias() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = letters[int(b)%len(letters)]
	}
	return string(buf), nil
}
