package wiotp

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCertDir is where secure element certificates are written when the
// configuration does not name a client certificate path.
const DefaultCertDir = "/opt/iotnxpimxclient/certs"

const refKeySuffix = ".ref_key"

// DeviceIDFromCert gets the Common Name from an X.509 cert, which for the purposes of this
// package is considered to be the device ID.
func DeviceIDFromCert(certPath string) (string, error) {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("wiotp: cert file does not exist: %v", certPath)
		}

		return "", fmt.Errorf("wiotp: failed to read cert: %w", err)
	}

	block, _ := pem.Decode(certBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", fmt.Errorf("wiotp: failed to decode PEM certificate")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", err
	}

	return cert.Subject.CommonName, nil
}

// newTLSConfig builds the TLS configuration for a secure broker connection. Without client
// certificates the server certificate is not verified. With them, the client key pair is
// presented and the server is verified against the configured root CA. A non-nil clientCert
// replaces the key pair read from the configured paths.
func newTLSConfig(cfg *Config, serverName string, clientCert *tls.Certificate) (*tls.Config, error) {
	if !cfg.UseClientCertificates {
		return &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}, nil
	}

	certpool := x509.NewCertPool()
	for _, path := range []string{cfg.RootCACertPath, cfg.ServerCertPath} {
		if path == "" {
			continue
		}
		pemCerts, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read CA certs: %w", ErrConfigFile, err)
		}
		if !certpool.AppendCertsFromPEM(pemCerts) {
			return nil, fmt.Errorf("%w: no certs were parsed from %v", ErrConfigFile, path)
		}
	}

	cert := clientCert
	if cert == nil {
		pair, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load client key pair: %w", ErrConfigFile, err)
		}
		cert = &pair
	}

	return &tls.Config{
		RootCAs:      certpool,
		ServerName:   serverName,
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// SECertificate describes client credentials held by a secure element.
type SECertificate struct {
	// UID is the secure element's unique ID. It becomes the client's device ID.
	UID string

	CertPath string
	KeyPath  string

	// TLS, if set, is presented instead of loading CertPath and KeyPath. Hardware-backed
	// keys supply a certificate whose PrivateKey is a crypto.Signer.
	TLS *tls.Certificate
}

// A CertRetriever fetches client credentials from a secure element. dir is the
// directory certificates are written to.
type CertRetriever interface {
	RetrieveCertificates(dir string, gateway bool) (SECertificate, error)
}

// SECertPaths returns the certificate and reference key paths used for a secure
// element with the given UID.
func SECertPaths(dir, uid string, gateway bool) (certPath, keyPath string) {
	kind := "device"
	if gateway {
		kind = "gateway"
	}
	certPath = filepath.Join(dir, fmt.Sprintf("%v_%v_ec_pem.crt", uid, kind))
	keyPath = filepath.Join(dir, uid+refKeySuffix)
	return certPath, keyPath
}

// CertDirRetriever is a CertRetriever for certificates that were already extracted from
// the secure element into a directory. If UID is empty it is taken from the single
// *.ref_key file in the directory.
type CertDirRetriever struct {
	UID string
}

// RetrieveCertificates implements CertRetriever.
func (r CertDirRetriever) RetrieveCertificates(dir string, gateway bool) (SECertificate, error) {
	uid := r.UID
	if uid == "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+refKeySuffix))
		if err != nil {
			return SECertificate{}, err
		}
		if len(matches) != 1 {
			return SECertificate{}, fmt.Errorf("expected one %v file in %v, found %d", refKeySuffix, dir, len(matches))
		}
		uid = strings.TrimSuffix(filepath.Base(matches[0]), refKeySuffix)
	}

	certPath, keyPath := SECertPaths(dir, uid, gateway)
	for _, p := range []string{certPath, keyPath} {
		if _, err := os.Stat(p); err != nil {
			return SECertificate{}, err
		}
	}

	return SECertificate{UID: uid, CertPath: certPath, KeyPath: keyPath}, nil
}

// resolveSecureElement applies secure element credentials to the client configuration.
// It runs once per client; later calls are no-ops.
func (c *Client) resolveSecureElement() error {
	c.mu.Lock()
	if c.seResolved || !c.cfg.UseNXPEngine || !c.cfg.UseCertsFromSE {
		c.mu.Unlock()
		return nil
	}
	dir := DefaultCertDir
	if c.cfg.ClientCertPath != "" {
		dir = filepath.Dir(c.cfg.ClientCertPath)
	}
	c.mu.Unlock()

	if c.certRetriever == nil {
		return fmt.Errorf("%w: no certificate retriever configured", ErrSecureElement)
	}

	se, err := c.certRetriever.RetrieveCertificates(dir, c.gateway)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSecureElement, err)
	}
	if se.UID == "" {
		return fmt.Errorf("%w: secure element returned no UID", ErrSecureElement)
	}
	c.logger.Info().Str("uid", se.UID).Msg("retrieved client certificate and key from secure element")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.UseClientCertificates {
		c.cfg.ClientCertPath = se.CertPath
		c.cfg.ClientKeyPath = se.KeyPath
		c.seCert = se.TLS
	}

	switch c.cfg.ID {
	case se.UID:
	case "":
		c.cfg.ID = se.UID
	default:
		c.logger.Warn().Str("configured_id", c.cfg.ID).Str("uid", se.UID).Msg("ignoring configured id, using id of secure element")
		c.cfg.ID = se.UID
	}
	c.seResolved = true

	return nil
}
