package pki

import (
	"fmt"
	"os"
	"os/exec"
)

// GenerateSelfSignedCert shells out to an external TLS tool (openssl) to
// produce a fresh self-signed certificate pair at certPath/keyPath for
// hostname. Certificate generation is treated as a collaborator process
// rather than reimplemented with crypto/x509: the `config` CLI
// subcommand is the only caller.
func GenerateSelfSignedCert(opensslPath, certPath, keyPath, hostname string, days int) error {
	if opensslPath == "" {
		opensslPath = "openssl"
	}
	if days <= 0 {
		days = 825
	}

	if _, err := exec.LookPath(opensslPath); err != nil {
		return fmt.Errorf("locating %s: %w", opensslPath, err)
	}

	args := []string{
		"req", "-x509", "-nodes",
		"-newkey", "rsa:2048",
		"-keyout", keyPath,
		"-out", certPath,
		"-days", fmt.Sprintf("%d", days),
		"-subj", fmt.Sprintf("/CN=%s", hostname),
	}

	cmd := exec.Command(opensslPath, args...)
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s to generate self-signed certificate: %w", opensslPath, err)
	}

	return nil
}
