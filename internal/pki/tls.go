// Package pki configures TLS for the coordinator and scan agents. Unlike
// a mutual-TLS setup, the coordinator here only authenticates itself to
// the agent via its certificate; agent identity is established instead
// by the separate HMAC challenge/response handshake carried in the wire
// protocol (see internal/protocol).
package pki

import (
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

var tlsVersionByName = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

var cipherSuiteByName = func() map[string]uint16 {
	m := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		m[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		m[cs.Name] = cs.ID
	}
	return m
}()

// ParseMinVersion resolves a config string ("1.2", "1.3") to a
// crypto/tls version constant, defaulting to TLS 1.2 when empty.
func ParseMinVersion(s string) (uint16, error) {
	if s == "" {
		return tls.VersionTLS12, nil
	}
	v, ok := tlsVersionByName[s]
	if !ok {
		return 0, fmt.Errorf("unsupported tls min-version %q", s)
	}
	return v, nil
}

// ParseCipherSuites resolves a comma-separated list of cipher suite
// names (as reported by tls.CipherSuites()/InsecureCipherSuites()) into
// their IDs. An empty string returns nil, leaving the default suite list
// in effect.
func ParseCipherSuites(csv string) ([]uint16, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, nil
	}
	var ids []uint16
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		id, ok := cipherSuiteByName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Options configures the TLS parameters shared by server and client
// configs beyond the certificate paths themselves.
type Options struct {
	MinVersionName  string // "1.2" (default) or "1.3"
	CipherSuitesCSV string
}

func (o Options) resolve() (uint16, []uint16, error) {
	minVersion, err := ParseMinVersion(o.MinVersionName)
	if err != nil {
		return 0, nil, err
	}
	ciphers, err := ParseCipherSuites(o.CipherSuitesCSV)
	if err != nil {
		return 0, nil, err
	}
	return minVersion, ciphers, nil
}

// NewServerTLSConfig builds the coordinator's listener TLS config. It
// presents serverCertPath/serverKeyPath to connecting agents and does
// not request or verify a client certificate — agent identity is
// established by the protocol-level auth handshake instead.
func NewServerTLSConfig(serverCertPath, serverKeyPath string, opts Options) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	minVersion, ciphers, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   minVersion,
		CipherSuites: ciphers,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// NewClientTLSConfig builds the scan agent's dial-side TLS config. It
// verifies the coordinator's certificate against caCertPath and presents
// no client certificate of its own. serverName, when non-empty, pins the
// expected certificate hostname ([certs] cert_hostname) instead of
// deriving it from the dial address, and is also sent as the SNI value.
func NewClientTLSConfig(caCertPath string, opts Options, serverName string) (*tls.Config, error) {
	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	minVersion, ciphers, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   minVersion,
		CipherSuites: ciphers,
		RootCAs:      caPool,
		ServerName:   serverName,
	}, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}

// DeriveSecretKey computes the HMAC shared secret that both coordinator
// and agent derive independently from the same certificate file: the
// hex encoding of the SHA-512 digest of the file's trimmed contents.
func DeriveSecretKey(certPath string) ([]byte, error) {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading certificate for secret key derivation: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	sum := sha512.Sum512([]byte(trimmed))
	hexSum := hex.EncodeToString(sum[:])
	return []byte(hexSum), nil
}
