// Package tls builds the listener TLS configuration for the portal from
// certificate files or a generated self-signed pair.
package tls

import (
	"crypto/tls"
	"errors"
	"time"
)

// DefaultValidFor is the lifetime of generated certificates.
const DefaultValidFor = 30 * 24 * time.Hour

var (
	ErrNoCertificate = errors.New("tls: no certificate configured")
	ErrBadPEM        = errors.New("tls: no certificate in PEM data")
)

// Config holds TLS configuration options
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string

	// AutoGenerate creates a self-signed certificate for Hosts when no
	// files are given.
	AutoGenerate bool
	Hosts        []string
	ValidFor     time.Duration
}

// CertificateInfo holds certificate metadata
type CertificateInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serialNumber"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
	DNSNames     []string  `json:"dnsNames,omitempty"`
	SelfSigned   bool      `json:"selfSigned"`
}

// ExpiresIn returns the time left at now.
func (ci *CertificateInfo) ExpiresIn(now time.Time) time.Duration {
	return ci.NotAfter.Sub(now)
}

// SecureCipherSuites lists the TLS 1.2 suites the portal accepts. TLS 1.3
// suites are not configurable.
func SecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}
