// Package config loads the coordinator's and scan agent's INI-style
// configuration file. It follows the teacher's explicit tagged-variant
// shape: a CommonConfig embedded by both ServerConfig and AgentConfig,
// rather than a single dynamically-delegating config object.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// BaseConfig holds the [base] section: where the coordinator/agent keeps
// its durable state.
type BaseConfig struct {
	Workspace string // directory holding reports/, snapshot file, session logs
	Name      string // optional explicit identity; empty lets the role pick a default
	Reports   string // [base] reports, subdirectory under workspace for report outputs
}

// CertsConfig holds the [certs] section.
type CertsConfig struct {
	CACert        string
	ServerCert    string
	ServerKey     string
	Ciphers       string // comma-separated cipher suite names, optional
	MinTLSVersion string // "1.2" (default) or "1.3"
	CertHostname  string // expected certificate hostname, used for the client's SNI / pinning
}

// LoggingConfig holds the [logging] section.
type LoggingConfig struct {
	Level            string
	Format           string
	File             string
	RotateMaxSizeMB  int
	RotateMaxBackups int
	RotateMaxAgeDays int
	RotateCompress   bool
}

// CommonConfig holds the sections shared by both roles.
type CommonConfig struct {
	Base    BaseConfig
	Certs   CertsConfig
	Logging LoggingConfig
}

// StageConfig is one ordered entry of the [nmap-scan] section: a stage
// name mapped to the option string passed to the scan executor.
type StageConfig struct {
	Name    string
	Options string
}

// ServerConfig is the coordinator's configuration.
type ServerConfig struct {
	CommonConfig

	Listen               string        // [server] listen
	Stages               []StageConfig // [nmap-scan], in file order
	MaxReportMbps        float64       // [server] max_report_mbps, 0 disables throttling
	AutosnapshotInterval string        // [server] autosnapshot_interval, e.g. "@every 30s"

	ArchiveBucket    string // [server] archive_bucket, optional S3(-compatible) bucket name
	ArchiveEndpoint  string // [server] archive_endpoint, optional custom S3 endpoint
	ArchiveAccessKey string // [server] archive_access_key, optional static credential
	ArchiveSecretKey string // [server] archive_secret_key, optional static credential

	StatsDir        string // [server] stats, run directory under workspace
	TargetsFile      string // [server] targets, the optimized target queue file the Discovery stage reads
	LiveTargetsFile  string // [server] live-targets, Discovery's output consumed by later stages
	SnapshotFile     string // [server] trace, the Context snapshot file
}

// AgentConfig is the scan agent's configuration.
type AgentConfig struct {
	CommonConfig

	Server        string  // [agent] server, host:port to dial
	MaxReportMbps float64 // [agent] max_report_mbps, 0 disables throttling
	RetryAttempts int     // [agent] retry_attempts, default 3
	ScanCommand   string  // [agent] scan_command, external scan executable
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return v, nil
}

func loadCommon(v *viper.Viper) CommonConfig {
	return CommonConfig{
		Base: BaseConfig{
			Workspace: v.GetString("base.workspace"),
			Name:      v.GetString("base.name"),
			Reports:   v.GetString("base.reports"),
		},
		Certs: CertsConfig{
			CACert:        v.GetString("certs.ca_cert"),
			ServerCert:    v.GetString("certs.server_cert"),
			ServerKey:     v.GetString("certs.server_key"),
			Ciphers:       v.GetString("certs.ciphers"),
			MinTLSVersion: v.GetString("certs.min-tls-version"),
			CertHostname:  v.GetString("certs.cert_hostname"),
		},
		Logging: LoggingConfig{
			Level:            v.GetString("logging.level"),
			Format:           v.GetString("logging.format"),
			File:             v.GetString("logging.file"),
			RotateMaxSizeMB:  v.GetInt("logging.rotate_max_size_mb"),
			RotateMaxBackups: v.GetInt("logging.rotate_max_backups"),
			RotateMaxAgeDays: v.GetInt("logging.rotate_max_age_days"),
			RotateCompress:   v.GetBool("logging.rotate_compress"),
		},
	}
}

// LoadServerConfig reads and validates the coordinator's INI config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	stages, err := parseStageOrder(path)
	if err != nil {
		return nil, fmt.Errorf("parsing nmap-scan stage order: %w", err)
	}

	cfg := &ServerConfig{
		CommonConfig:         loadCommon(v),
		Listen:               v.GetString("server.listen"),
		Stages:               stages,
		MaxReportMbps:        v.GetFloat64("server.max_report_mbps"),
		AutosnapshotInterval: v.GetString("server.autosnapshot_interval"),
		ArchiveBucket:        v.GetString("server.archive_bucket"),
		ArchiveEndpoint:      v.GetString("server.archive_endpoint"),
		ArchiveAccessKey:     v.GetString("server.archive_access_key"),
		ArchiveSecretKey:     v.GetString("server.archive_secret_key"),
		StatsDir:             v.GetString("server.stats"),
		TargetsFile:          v.GetString("server.targets"),
		LiveTargetsFile:      v.GetString("server.live-targets"),
		SnapshotFile:         v.GetString("server.trace"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}
	return cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Certs.ServerCert == "" {
		return fmt.Errorf("certs.server_cert is required")
	}
	if c.Certs.ServerKey == "" {
		return fmt.Errorf("certs.server_key is required")
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("nmap-scan must declare at least one stage")
	}
	if c.Base.Workspace == "" {
		c.Base.Workspace = "."
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.AutosnapshotInterval == "" {
		c.AutosnapshotInterval = "@every 30s"
	}
	if c.Base.Reports == "" {
		c.Base.Reports = "reports"
	}
	if c.StatsDir == "" {
		c.StatsDir = "run"
	}
	if c.TargetsFile == "" {
		c.TargetsFile = "targets.txt"
	}
	if c.LiveTargetsFile == "" {
		c.LiveTargetsFile = "live-targets.txt"
	}
	if c.SnapshotFile == "" {
		c.SnapshotFile = "trace.snapshot"
	}
	c.Base.Reports = resolveUnderWorkspace(c.Base.Workspace, c.Base.Reports)
	c.StatsDir = resolveUnderWorkspace(c.Base.Workspace, c.StatsDir)
	c.TargetsFile = resolveUnderWorkspace(c.Base.Workspace, c.TargetsFile)
	c.LiveTargetsFile = resolveUnderWorkspace(c.Base.Workspace, c.LiveTargetsFile)
	c.SnapshotFile = resolveUnderWorkspace(c.Base.Workspace, c.SnapshotFile)
	return nil
}

// resolveUnderWorkspace joins a configured relative path under the
// workspace directory. An already-absolute path is returned unchanged.
func resolveUnderWorkspace(workspace, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

// LoadAgentConfig reads and validates the scan agent's INI config file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	cfg := &AgentConfig{
		CommonConfig:  loadCommon(v),
		Server:        v.GetString("agent.server"),
		MaxReportMbps: v.GetFloat64("agent.max_report_mbps"),
		RetryAttempts: v.GetInt("agent.retry_attempts"),
		ScanCommand:   v.GetString("agent.scan_command"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}
	return cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Server == "" {
		return fmt.Errorf("agent.server is required")
	}
	if c.Certs.CACert == "" {
		return fmt.Errorf("certs.ca_cert is required")
	}
	if c.Base.Workspace == "" {
		c.Base.Workspace = "."
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.ScanCommand == "" {
		c.ScanCommand = "nmap"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// parseStageOrder reads the [nmap-scan] section directly, preserving the
// key order the operator wrote it in. viper (like most INI libraries)
// exposes section contents as an unordered map, but Stage dispatch order
// is a correctness invariant, so this section is parsed by hand instead.
func parseStageOrder(path string) ([]StageConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var stages []StageConfig
	inSection := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inSection = strings.EqualFold(strings.Trim(line, "[]"), "nmap-scan")
			continue
		}
		if !inSection {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		stages = append(stages, StageConfig{
			Name:    strings.TrimSpace(key),
			Options: strings.TrimSpace(value),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return stages, nil
}
