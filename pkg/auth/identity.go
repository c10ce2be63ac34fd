package auth

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Identity is the agent's persisted trust material: the id assigned at
// registration and the current client certificate with its private key.
type Identity struct {
	AgentID        string    `json:"agent_id"`
	CertificatePEM string    `json:"certificate_pem,omitempty"`
	PrivateKeyPEM  string    `json:"private_key_pem,omitempty"`
	ChainPEM       string    `json:"chain_pem,omitempty"`
	Thumbprint     string    `json:"thumbprint,omitempty"`
	NotAfter       time.Time `json:"not_after,omitempty"`
}

var ErrNoCertificate = errors.New("identity has no certificate")

// HasCertificate reports whether a certificate and key are present.
func (i *Identity) HasCertificate() bool {
	return i != nil && i.CertificatePEM != "" && i.PrivateKeyPEM != ""
}

// Save stores the identity to disk with 0600 permissions
func (i *Identity) Save(path string) error {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	// Write then rename so a crash never leaves a half-written key file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadIdentity reads identity from disk
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	return &id, nil
}

// SetCertificate replaces the certificate material and refreshes the
// derived thumbprint and expiry.
func (i *Identity) SetCertificate(certPEM, keyPEM, chainPEM string) error {
	cert, err := ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return err
	}
	if _, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM)); err != nil {
		return fmt.Errorf("certificate and key do not match: %w", err)
	}
	i.CertificatePEM = certPEM
	i.PrivateKeyPEM = keyPEM
	i.ChainPEM = chainPEM
	i.Thumbprint = Thumbprint(cert)
	i.NotAfter = cert.NotAfter.UTC()
	return nil
}

// TLSCertificate returns the client certificate for mutual TLS.
func (i *Identity) TLSCertificate() (tls.Certificate, error) {
	if !i.HasCertificate() {
		return tls.Certificate{}, ErrNoCertificate
	}
	return tls.X509KeyPair([]byte(i.CertificatePEM), []byte(i.PrivateKeyPEM))
}

// ParseCertificatePEM decodes the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no PEM certificate found")
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			return cert, nil
		}
	}
}

// Thumbprint is the lowercase hex SHA-256 of the certificate DER.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
