package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// KeyPair is the CA signing key with its self-signed certificate.
type KeyPair struct {
	Certificate    *x509.Certificate
	CertificatePEM []byte
	Signer         crypto.Signer
}

// KeyPairOptions controls generation of a new CA.
type KeyPairOptions struct {
	CommonName   string
	Organization string
	Validity     time.Duration
}

func (o *KeyPairOptions) defaults() {
	if o.CommonName == "" {
		o.CommonName = "dirsync agent CA"
	}
	if o.Organization == "" {
		o.Organization = "dirsync"
	}
	if o.Validity <= 0 {
		o.Validity = 10 * 365 * 24 * time.Hour
	}
}

// LoadOrGenerateKeyPair loads an existing CA or generates and saves a new one
func LoadOrGenerateKeyPair(certPath, keyPath string, opts KeyPairOptions) (*KeyPair, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return LoadKeyPair(certPath, keyPath)
	}

	kp, err := GenerateKeyPair(opts)
	if err != nil {
		return nil, err
	}
	if err := kp.Save(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("failed to save CA: %w", err)
	}
	return kp, nil
}

// LoadKeyPair reads a PEM certificate and its PEM private key.
func LoadKeyPair(certPath, keyPath string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA private key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("CA certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("configured CA certificate is not a CA")
	}

	signer, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Certificate: cert, CertificatePEM: certPEM, Signer: signer}, nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("CA private key is not PEM encoded")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("private key cannot sign")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %q", block.Type)
	}
}

// GenerateKeyPair creates a self-signed ECDSA P-256 CA in memory.
func GenerateKeyPair(opts KeyPairOptions) (*KeyPair, error) {
	opts.defaults()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.CommonName, Organization: []string{opts.Organization}},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to self-sign CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Certificate:    cert,
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Signer:         key,
	}, nil
}

// Save writes the certificate (0644) and private key (0600).
func (kp *KeyPair) Save(certPath, keyPath string) error {
	keyPEM, err := encodePrivateKey(kp.Signer)
	if err != nil {
		return err
	}
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return err
		}
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(certPath, kp.CertificatePEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}

// Pool returns a cert pool holding only the CA certificate.
func (kp *KeyPair) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(kp.Certificate)
	return pool
}

// ServerCertificate issues a TLS serving certificate for hosts, signed by
// the CA. It is not recorded in the certificate store.
func (kp *KeyPair) ServerCertificate(hosts []string, validity time.Duration) (tls.Certificate, error) {
	if validity <= 0 {
		validity = 90 * 24 * time.Hour
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := randomSerial()
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "dirsync-server"},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     minTime(now.Add(validity), kp.Certificate.NotAfter),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, kp.Certificate, &key.PublicKey, kp.Signer)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to sign server certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der, kp.Certificate.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func encodePrivateKey(signer crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	// Zero is not a valid serial number.
	return serial.Add(serial, big.NewInt(1)), nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
