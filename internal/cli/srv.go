package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/distscan/dscan/internal/archive"
	"github.com/distscan/dscan/internal/autosnapshot"
	"github.com/distscan/dscan/internal/config"
	"github.com/distscan/dscan/internal/healthreport"
	"github.com/distscan/dscan/internal/logging"
	"github.com/distscan/dscan/internal/optimizer"
	"github.com/distscan/dscan/internal/pki"
	"github.com/distscan/dscan/internal/scheduler"
	"github.com/distscan/dscan/internal/session"
	"github.com/distscan/dscan/internal/throttle"
)

var srvConfigPath string

var srvCmd = &cobra.Command{
	Use:   "srv <targets-file>",
	Short: "Run as coordinator, dispensing scan tasks to connecting agents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, err := requireWorkspace()
		if err != nil {
			return err
		}
		if srvConfigPath == "" {
			return fmt.Errorf("--config <path-within-workspace> is required")
		}
		return runSrv(workspace, srvConfigPath, args[0])
	},
}

func init() {
	srvCmd.Flags().StringVar(&srvConfigPath, "config", "", "config file path, relative to the workspace (required)")
}

func runSrv(workspace, configRelPath, targetsFile string) error {
	cfg, err := config.LoadServerConfig(joinWorkspace(workspace, configRelPath))
	if err != nil {
		return fmt.Errorf("loading server config: %w", err)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File, logging.RotateOptions{
		MaxSizeMB:  cfg.Logging.RotateMaxSizeMB,
		MaxBackups: cfg.Logging.RotateMaxBackups,
		MaxAgeDays: cfg.Logging.RotateMaxAgeDays,
		Compress:   cfg.Logging.RotateCompress,
	})
	defer logCloser.Close()

	if err := optimizer.OptimizeFile(targetsFile, cfg.TargetsFile); err != nil {
		return fmt.Errorf("optimizing target list: %w", err)
	}

	sched, restored, err := scheduler.LoadContext(cfg.SnapshotFile, logger)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	if !restored {
		sched, err = scheduler.NewContext(cfg.Stages, cfg.TargetsFile, cfg.LiveTargetsFile, cfg.Base.Reports, logger)
		if err != nil {
			return fmt.Errorf("building scan plan: %w", err)
		}
		logger.Info("starting fresh scan", "targets", cfg.TargetsFile)
	} else {
		logger.Info("resumed scan from snapshot", "snapshot", cfg.SnapshotFile)
	}

	secret, err := pki.DeriveSecretKey(cfg.Certs.ServerCert)
	if err != nil {
		return fmt.Errorf("deriving secret key: %w", err)
	}

	tlsOpts := pki.Options{MinVersionName: cfg.Certs.MinTLSVersion, CipherSuitesCSV: cfg.Certs.Ciphers}
	tlsConfig, err := pki.NewServerTLSConfig(cfg.Certs.ServerCert, cfg.Certs.ServerKey, tlsOpts)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	listenAddr := cfg.Listen
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		listenAddr = net.JoinHostPort(listenAddr, DefaultPort)
	}
	ln, err := tls.Listen("tcp", listenAddr, tlsConfig)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}

	limiter := throttle.NewLimiter(cfg.MaxReportMbps)

	srv := session.NewServer(ln, sched, secret, limiter, cfg.SnapshotFile, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if cfg.AutosnapshotInterval != "" {
		runner, err := autosnapshot.New(cfg.AutosnapshotInterval, sched, cfg.SnapshotFile, logger)
		if err != nil {
			return fmt.Errorf("scheduling autosnapshot: %w", err)
		}
		runner.Start()
		defer runner.Stop()
	}

	healthReporter := healthreport.New(cfg.Base.Reports, 30*time.Second, logger)
	healthReporter.Start(ctx)

	var archiver *archive.Archiver
	if cfg.ArchiveBucket != "" {
		archiver, err = archive.New(ctx, cfg.ArchiveBucket, archive.Options{
			Endpoint:        cfg.ArchiveEndpoint,
			AccessKeyID:     cfg.ArchiveAccessKey,
			SecretAccessKey: cfg.ArchiveSecretKey,
		}, logger)
		if err != nil {
			return fmt.Errorf("building archiver: %w", err)
		}
	}

	runErr := srv.Run(ctx)

	if archiver != nil {
		archiveKey := time.Now().UTC().Format("20060102-150405")
		if err := archiver.ArchiveReports(context.Background(), cfg.Base.Reports, archiveKey); err != nil {
			logger.Error("archiving reports directory", "error", err)
		}
		if err := archiver.ArchiveSnapshot(context.Background(), cfg.SnapshotFile, archiveKey); err != nil {
			logger.Error("archiving snapshot", "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("coordinator exited with error: %w", runErr)
	}
	return nil
}

func joinWorkspace(workspace, relPath string) string {
	if relPath == "" {
		return workspace
	}
	if filepath.IsAbs(relPath) {
		return relPath
	}
	return filepath.Join(workspace, relPath)
}
