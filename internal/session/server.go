package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/distscan/dscan/internal/scheduler"
)

// Server owns the coordinator's TLS listener and spawns one Session per
// accepted connection, all sharing a single Context.
type Server struct {
	ln      net.Listener
	sched   *scheduler.Context
	secret  []byte
	limiter *rate.Limiter
	logger  *slog.Logger

	snapshotPath string
}

// NewServer builds a Server. snapshotPath, when non-empty, is where the
// Context is written on any shutdown path that leaves the scan
// unfinished.
func NewServer(ln net.Listener, sched *scheduler.Context, secret []byte, limiter *rate.Limiter, snapshotPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ln: ln, sched: sched, secret: secret, limiter: limiter, snapshotPath: snapshotPath, logger: logger}
}

// Run accepts connections until ctx is canceled or the scan finishes,
// spawning one Session goroutine per connection. It returns after every
// in-flight session has closed and, if the scan is not finished, a
// snapshot has been written.
func (srv *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		srv.ln.Close()
	}()

	var wg sync.WaitGroup
	consecutiveErrors := 0

	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return srv.finalizeSnapshot()
			default:
			}
			consecutiveErrors++
			srv.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
			if consecutiveErrors > 5 {
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > 5*time.Second {
					delay = 5 * time.Second
				}
				time.Sleep(delay)
			}
			continue
		}

		consecutiveErrors = 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.handleConn(ctx, conn, cancel)
		}()
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn, cancel context.CancelFunc) {
	sess := New(conn, srv.sched, srv.secret, srv.limiter, srv.logger)
	sess.Serve(ctx)
	if sess.Finished() {
		srv.logger.Info("scan finished, stopping listener")
		cancel()
	}
}

func (srv *Server) finalizeSnapshot() error {
	if srv.sched.IsFinished() {
		return nil
	}
	if srv.snapshotPath == "" {
		return nil
	}
	if err := srv.sched.SaveSnapshot(srv.snapshotPath); err != nil {
		return fmt.Errorf("writing shutdown snapshot: %w", err)
	}
	srv.logger.Info("wrote shutdown snapshot", "path", srv.snapshotPath)
	return nil
}
