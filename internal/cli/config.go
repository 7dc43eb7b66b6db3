package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/distscan/dscan/internal/pki"
)

var (
	configHostname string
	configOpenSSL  string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create a fresh workspace: config templates plus a self-signed certificate pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace, err := requireWorkspace()
		if err != nil {
			return err
		}
		return runConfig(workspace, configHostname, configOpenSSL)
	},
}

func init() {
	configCmd.Flags().StringVar(&configHostname, "hostname", "localhost", "hostname to embed in the generated certificate")
	configCmd.Flags().StringVar(&configOpenSSL, "openssl", "openssl", "path to the external openssl binary used to generate the certificate pair")
}

// defaultServerTemplate and defaultAgentTemplate are copied verbatim
// into a fresh workspace; an operator edits them in place.
const defaultServerTemplate = `[base]
reports = reports

[server]
listen = 0.0.0.0:` + DefaultPort + `
stats = run
targets = targets.txt
live-targets = live-targets.txt
trace = trace.snapshot
max_report_mbps = 0
autosnapshot_interval = @every 30s

[certs]
server_cert = server.crt
server_key = server.key
ca_cert = server.crt
min-tls-version = 1.2
cert_hostname = localhost

[logging]
level = info
format = json

[nmap-scan]
discovery = -sn
stage1 = -sV -p-
`

const defaultAgentTemplate = `[base]
reports = reports

[agent]
server = 127.0.0.1:` + DefaultPort + `
max_report_mbps = 0
retry_attempts = 3
scan_command = nmap

[certs]
ca_cert = server.crt
min-tls-version = 1.2
cert_hostname = localhost

[logging]
level = info
format = json
`

func runConfig(workspace, hostname, opensslPath string) error {
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return fmt.Errorf("creating workspace %s: %w", workspace, err)
	}

	serverPath := filepath.Join(workspace, "server.ini")
	if err := writeIfAbsent(serverPath, defaultServerTemplate); err != nil {
		return err
	}
	agentPath := filepath.Join(workspace, "agent.ini")
	if err := writeIfAbsent(agentPath, defaultAgentTemplate); err != nil {
		return err
	}

	certPath := filepath.Join(workspace, "server.crt")
	keyPath := filepath.Join(workspace, "server.key")
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		if err := pki.GenerateSelfSignedCert(opensslPath, certPath, keyPath, hostname, 825); err != nil {
			return fmt.Errorf("generating self-signed certificate: %w", err)
		}
	}

	fmt.Printf("workspace %s ready: server.ini, agent.ini, server.crt, server.key\n", workspace)
	return nil
}

func writeIfAbsent(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
