// Package ca implements the private certificate authority that binds device
// identities to key pairs. The root signing key never leaves an Authority.
package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samblam/edgemesh/internal/logger"
)

var (
	// ErrInvalidDeviceID is returned for empty or malformed device identifiers.
	ErrInvalidDeviceID = errors.New("invalid device id")
	// ErrIssuanceFailed wraps any randomness or signing failure during issuance.
	ErrIssuanceFailed = errors.New("identity issuance failed")
	// ErrUntrustedCertificate is returned when a certificate does not chain to the root.
	ErrUntrustedCertificate = errors.New("certificate not issued by this authority")
)

// serialBits is the size of random serial numbers (RFC 5280 caps at 20 octets).
const serialBits = 128

// Options configures an Authority.
type Options struct {
	Organization string
	CertValidity time.Duration
	CAValidity   time.Duration
	KeyBits      int
	// CertPath and KeyPath, when both set, persist the root across restarts.
	CertPath string
	KeyPath  string
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Issued carries the artifacts returned to an enrolling device.
type Issued struct {
	PrivateKeyPEM    []byte
	CertificatePEM   []byte
	CACertificatePEM []byte
	Serial           string
	NotAfter         time.Time
}

// Authority owns the root key pair and signs device certificates.
// It holds no mutable state after construction and is safe for concurrent use.
type Authority struct {
	key     crypto.Signer
	cert    *x509.Certificate
	certPEM []byte
	pool    *x509.CertPool
	opts    Options
}

// New loads the root from disk when configured paths exist; otherwise it
// generates a fresh self-signed root and, if paths are configured, writes it.
func New(opts Options) (*Authority, error) {
	if opts.Organization == "" {
		opts.Organization = "EdgeMesh"
	}
	if opts.KeyBits == 0 {
		opts.KeyBits = 2048
	}
	if opts.CertValidity == 0 {
		opts.CertValidity = 90 * 24 * time.Hour
	}
	if opts.CAValidity == 0 {
		opts.CAValidity = 3650 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	log := logger.ForComponent("ca")

	if opts.CertPath != "" && opts.KeyPath != "" {
		if _, err := os.Stat(opts.CertPath); err == nil {
			a, err := load(opts)
			if err != nil {
				return nil, fmt.Errorf("load root ca: %w", err)
			}
			log.WithField("subject", a.cert.Subject.CommonName).Info("loaded root CA from disk")
			return a, nil
		}
	}

	a, err := generate(opts)
	if err != nil {
		return nil, err
	}

	if opts.CertPath != "" && opts.KeyPath != "" {
		if err := a.persist(); err != nil {
			return nil, fmt.Errorf("persist root ca: %w", err)
		}
		log.WithField("path", opts.CertPath).Info("generated and stored new root CA")
	} else {
		log.Warn("generated ephemeral root CA; issued certificates will not survive a restart")
	}
	return a, nil
}

func generate(opts Options) (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate root key: %v", ErrIssuanceFailed, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := opts.Clock().UTC()
	subject := pkix.Name{
		Country:      []string{"CA"},
		Organization: []string{opts.Organization},
		CommonName:   opts.Organization + " CA",
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now,
		NotAfter:              now.Add(opts.CAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: self-sign root: %v", ErrIssuanceFailed, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse root: %v", ErrIssuanceFailed, err)
	}
	return newAuthority(key, cert, opts), nil
}

func newAuthority(key crypto.Signer, cert *x509.Certificate, opts Options) *Authority {
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &Authority{
		key:     key,
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
		pool:    pool,
		opts:    opts,
	}
}

func load(opts Options) (*Authority, error) {
	certPEM, err := os.ReadFile(opts.CertPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(opts.KeyPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.New("root certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("stored root certificate is not a CA")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("root key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported root key type %T", parsed)
	}
	return newAuthority(signer, cert, opts), nil
}

func (a *Authority) persist() error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(a.key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.opts.KeyPath), 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.opts.CertPath), 0o755); err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(a.opts.KeyPath, keyPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(a.opts.CertPath, a.certPEM, 0o644)
}

// Issue generates a fresh key pair for deviceID and signs a leaf certificate
// for it. It touches no shared mutable state, so callers may run it in
// parallel and retry it freely; recording the binding is the caller's job.
func (a *Authority) Issue(deviceID, deviceType string) (*Issued, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	if strings.ContainsAny(deviceID, "\x00\r\n") {
		return nil, ErrInvalidDeviceID
	}

	key, err := rsa.GenerateKey(rand.Reader, a.opts.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate device key: %v", ErrIssuanceFailed, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := a.opts.Clock().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:            []string{"CA"},
			Organization:       []string{a.opts.Organization},
			OrganizationalUnit: []string{deviceType},
			CommonName:         deviceID,
		},
		NotBefore:             now,
		NotAfter:              now.Add(a.opts.CertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign device certificate: %v", ErrIssuanceFailed, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: encode device key: %v", ErrIssuanceFailed, err)
	}

	return &Issued{
		PrivateKeyPEM:    pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		CertificatePEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		CACertificatePEM: a.RootCertificatePEM(),
		Serial:           serial.Text(16),
		NotAfter:         template.NotAfter,
	}, nil
}

// RootCertificatePEM returns a copy of the CA certificate for distribution.
func (a *Authority) RootCertificatePEM() []byte {
	out := make([]byte, len(a.certPEM))
	copy(out, a.certPEM)
	return out
}

// RootCertificate returns the parsed CA certificate.
func (a *Authority) RootCertificate() *x509.Certificate {
	return a.cert
}

// Verify parses certPEM and checks it chains to this authority for client
// authentication at the authority's current time.
func (a *Authority) Verify(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: not a PEM certificate", ErrUntrustedCertificate)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedCertificate, err)
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       a.pool,
		CurrentTime: a.opts.Clock(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedCertificate, err)
	}
	return cert, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, fmt.Errorf("%w: generate serial: %v", ErrIssuanceFailed, err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}
