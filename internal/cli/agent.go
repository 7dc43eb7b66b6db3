package cli

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/distscan/dscan/internal/agentclient"
	"github.com/distscan/dscan/internal/config"
	"github.com/distscan/dscan/internal/logging"
	"github.com/distscan/dscan/internal/pki"
	"github.com/distscan/dscan/internal/protocol"
	"github.com/distscan/dscan/internal/scanexec"
	"github.com/distscan/dscan/internal/throttle"
)

var (
	agentConfigPath string
	agentServer     string
	healthServer    string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run as a scan worker, dialing a coordinator and executing dispensed tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, err := requireWorkspace()
		if err != nil {
			return err
		}
		if agentConfigPath == "" {
			return fmt.Errorf("--config <path-within-workspace> is required")
		}
		return runAgent(workspace, agentConfigPath, agentServer)
	},
}

var agentHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Connect to a coordinator and run only the AUTH handshake, reporting success or failure",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, err := requireWorkspace()
		if err != nil {
			return err
		}
		if agentConfigPath == "" {
			return fmt.Errorf("--config <path-within-workspace> is required")
		}
		return runAgentHealth(workspace, agentConfigPath, healthServer)
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentConfigPath, "config", "", "config file path, relative to the workspace (required)")
	agentCmd.Flags().StringVarP(&agentServer, "server", "s", "", "coordinator host:port, overrides [agent] server")

	agentHealthCmd.Flags().StringVar(&agentConfigPath, "config", "", "config file path, relative to the workspace (required)")
	agentHealthCmd.Flags().StringVar(&healthServer, "server", "", "coordinator host:port, overrides [agent] server")

	agentCmd.AddCommand(agentHealthCmd)
}

func runAgent(workspace, configRelPath, serverOverride string) error {
	cfg, err := config.LoadAgentConfig(joinWorkspace(workspace, configRelPath))
	if err != nil {
		return fmt.Errorf("loading agent config: %w", err)
	}
	if serverOverride != "" {
		cfg.Server = serverOverride
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File, logging.RotateOptions{
		MaxSizeMB:  cfg.Logging.RotateMaxSizeMB,
		MaxBackups: cfg.Logging.RotateMaxBackups,
		MaxAgeDays: cfg.Logging.RotateMaxAgeDays,
		Compress:   cfg.Logging.RotateCompress,
	})
	defer logCloser.Close()

	secret, err := pki.DeriveSecretKey(cfg.Certs.CACert)
	if err != nil {
		return fmt.Errorf("deriving secret key: %w", err)
	}

	tlsOpts := pki.Options{MinVersionName: cfg.Certs.MinTLSVersion, CipherSuitesCSV: cfg.Certs.Ciphers}
	tlsConfig, err := pki.NewClientTLSConfig(cfg.Certs.CACert, tlsOpts, cfg.Certs.CertHostname)
	if err != nil {
		return fmt.Errorf("building client TLS config: %w", err)
	}

	reportsDir := cfg.Base.Reports
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return fmt.Errorf("creating reports directory %s: %w", reportsDir, err)
	}
	executor := scanexec.New(cfg.ScanCommand, reportsDir)

	client := agentclient.New(agentclient.Options{
		ServerAddr:    cfg.Server,
		TLSConfig:     tlsConfig,
		Secret:        secret,
		Executor:      executor,
		RetryAttempts: cfg.RetryAttempts,
		Limiter:       throttle.NewLimiter(cfg.MaxReportMbps),
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := client.Run(ctx); err != nil {
		return fmt.Errorf("agent exited with error: %w", err)
	}
	return nil
}

// runAgentHealth connects to address and completes only the AUTH
// handshake, reporting success or failure without requesting a task.
func runAgentHealth(workspace, configRelPath, serverOverride string) error {
	cfg, err := config.LoadAgentConfig(joinWorkspace(workspace, configRelPath))
	if err != nil {
		return fmt.Errorf("loading agent config: %w", err)
	}
	address := cfg.Server
	if serverOverride != "" {
		address = serverOverride
	}
	if address == "" {
		return fmt.Errorf("no coordinator address: pass --server or set [agent] server")
	}

	secret, err := pki.DeriveSecretKey(cfg.Certs.CACert)
	if err != nil {
		return fmt.Errorf("deriving secret key: %w", err)
	}

	tlsOpts := pki.Options{MinVersionName: cfg.Certs.MinTLSVersion, CipherSuitesCSV: cfg.Certs.Ciphers}
	tlsConfig, err := pki.NewClientTLSConfig(cfg.Certs.CACert, tlsOpts, cfg.Certs.CertHostname)
	if err != nil {
		return fmt.Errorf("building client TLS config: %w", err)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer conn.Close()

	op, frame, err := protocol.Dispatch(conn)
	if err != nil {
		return fmt.Errorf("reading AUTH challenge: %w", err)
	}
	auth, ok := frame.(*protocol.Auth)
	if op != protocol.OpAuth || !ok {
		return fmt.Errorf("expected AUTH challenge, got op 0x%02x", op)
	}

	mac := hmac.New(sha512.New, secret)
	mac.Write(auth.Payload[:])
	digestHex := hex.EncodeToString(mac.Sum(nil))

	var reply protocol.Auth
	copy(reply.Payload[:], digestHex)
	if err := protocol.WriteAuth(conn, reply.Payload); err != nil {
		return fmt.Errorf("sending AUTH reply: %w", err)
	}

	status, err := protocol.ReadRawStatus(conn)
	if err != nil {
		return fmt.Errorf("reading AUTH status: %w", err)
	}
	if status != protocol.StatusSuccess {
		exitWithError(fmt.Sprintf("health check against %s", address), fmt.Errorf("status 0x%02x", status))
	}

	fmt.Printf("health check against %s: OK\n", address)
	return nil
}
