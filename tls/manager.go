package tls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
)

// Files locates the server certificate pair.
type Files struct {
	Cert string
	Key  string
}

// Manager issues the control server certificate from a local CA that is
// installed in the system trust store.
type Manager struct {
	caDir     string
	certDir   string
	hostsFile string
	files     Files
	logger    *slog.Logger

	// hosts lists the certificate names; nil uses CertificateHosts.
	hosts func() ([]string, error)
	// issue creates the CA if needed, trusts it and writes a certificate
	// for hosts into certDir.
	issue func(hosts []string, certDir string) (Files, error)
}

// NewManager keeps its CA and certificates under dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	certDir := filepath.Join(dir, "tls")
	return &Manager{
		caDir:     filepath.Join(dir, "ca"),
		certDir:   certDir,
		hostsFile: filepath.Join(certDir, "hosts.txt"),
		files: Files{
			Cert: filepath.Join(certDir, "server.crt"),
			Key:  filepath.Join(certDir, "server.key"),
		},
		logger: logger.With(slog.String("component", "tls")),
		hosts:  CertificateHosts,
	}
}

// Ensure returns a certificate valid for the current addresses, issuing a
// new one when none exists or the LAN addresses changed. Installing the CA
// may ask the user for a password.
func (m *Manager) Ensure() (Files, error) {
	if err := os.MkdirAll(m.certDir, 0o700); err != nil {
		return Files{}, fmt.Errorf("creating certificate directory: %w", err)
	}

	hosts, err := m.hosts()
	if err != nil {
		m.logger.Warn("listing LAN addresses failed", "err", err)
	}
	slices.Sort(hosts)

	switch {
	case !m.exists():
		m.logger.Info("no certificate found, issuing", "hosts", hosts)
	case !slices.Equal(m.cachedHosts(), hosts):
		m.logger.Info("addresses changed, reissuing certificate", "hosts", hosts)
	default:
		return m.files, nil
	}

	if err := m.generate(hosts); err != nil {
		return Files{}, err
	}
	return m.files, nil
}

func (m *Manager) exists() bool {
	_, certErr := os.Stat(m.files.Cert)
	_, keyErr := os.Stat(m.files.Key)
	return certErr == nil && keyErr == nil
}

// cachedHosts returns the sorted names of the current certificate.
func (m *Manager) cachedHosts() []string {
	data, err := os.ReadFile(m.hostsFile)
	if err != nil {
		return nil
	}
	hosts := strings.Fields(string(data))
	slices.Sort(hosts)
	return hosts
}

func (m *Manager) generate(hosts []string) error {
	issue := m.issue
	if issue == nil {
		issue = m.issueTrusted
	}
	issued, err := issue(hosts, m.certDir)
	if err != nil {
		return err
	}

	if issued.Cert != m.files.Cert {
		if err := os.Rename(issued.Cert, m.files.Cert); err != nil {
			return fmt.Errorf("moving certificate: %w", err)
		}
	}
	if issued.Key != m.files.Key {
		if err := os.Rename(issued.Key, m.files.Key); err != nil {
			return fmt.Errorf("moving key: %w", err)
		}
	}

	if err := os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600); err != nil {
		m.logger.Warn("caching certificate hosts failed", "err", err)
	}
	if fp, err := m.CAFingerprint(); err == nil {
		m.logger.Info("certificate issued", "cert", m.files.Cert, "ca_sha256", fp)
	}
	return nil
}

// issueTrusted uses truststore, which keeps its CA under CAROOT.
func (m *Manager) issueTrusted(hosts []string, certDir string) (Files, error) {
	if err := os.MkdirAll(m.caDir, 0o700); err != nil {
		return Files{}, fmt.Errorf("creating CA directory: %w", err)
	}
	os.Setenv("CAROOT", m.caDir)

	lib, err := truststore.NewLib()
	if err != nil {
		return Files{}, fmt.Errorf("initializing truststore: %w", err)
	}
	m.logger.Info("installing local CA in the system trust store; you may be asked for your password")
	if err := lib.Install(); err != nil {
		return Files{}, fmt.Errorf("installing CA: %w", err)
	}

	cert, err := lib.MakeCert(hosts, certDir)
	if err != nil {
		return Files{}, fmt.Errorf("issuing certificate: %w", err)
	}
	return Files{Cert: cert.CertFile, Key: cert.KeyFile}, nil
}

// CACertFile is the PEM file of the local CA.
func (m *Manager) CACertFile() string {
	return filepath.Join(m.caDir, "rootCA.pem")
}

// ReadCACert returns the CA certificate in PEM form.
func (m *Manager) ReadCACert() ([]byte, error) {
	return os.ReadFile(m.CACertFile())
}

// CAFingerprint is the colon separated SHA-256 of the CA certificate.
func (m *Manager) CAFingerprint() (string, error) {
	data, err := m.ReadCACert()
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", errors.New("CA file holds no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parsing CA certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
