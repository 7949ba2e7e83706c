package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Load returns the server TLS configuration for cfg, or nil when TLS is
// disabled. The parsed leaf is returned alongside for health reporting.
func Load(cfg Config) (*tls.Config, *CertificateInfo, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
	case cfg.AutoGenerate:
		cert, err = GenerateSelfSigned(cfg.Hosts, cfg.ValidFor)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	default:
		return nil, nil, ErrNoCertificate
	}

	info, err := Info(cert)
	if err != nil {
		return nil, nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: SecureCipherSuites(),
	}, info, nil
}

// Info describes the leaf certificate of cert.
func Info(cert tls.Certificate) (*CertificateInfo, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return nil, ErrNoCertificate
		}
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}
	return infoOf(leaf), nil
}

// ReadCertificateInfo parses the first certificate in a PEM file.
func ReadCertificateInfo(certFile string) (*CertificateInfo, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrBadPEM
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return infoOf(leaf), nil
}

func infoOf(c *x509.Certificate) *CertificateInfo {
	return &CertificateInfo{
		Subject:      c.Subject.String(),
		Issuer:       c.Issuer.String(),
		SerialNumber: c.SerialNumber.String(),
		NotBefore:    c.NotBefore,
		NotAfter:     c.NotAfter,
		DNSNames:     c.DNSNames,
		SelfSigned:   c.Subject.String() == c.Issuer.String(),
	}
}
