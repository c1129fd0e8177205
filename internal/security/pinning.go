package security

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CertificatePinner enforces SPKI pins for the license server host
type CertificatePinner struct {
	pinnedHashes map[string][]string // hostname -> lowercase hex SPKI hashes
	strictMode   bool                // reject hosts without pins
}

// PinningConfig holds certificate pinning configuration
type PinningConfig struct {
	StrictMode       bool                `json:"strict_mode"`
	PinnedCerts      map[string][]string `json:"pinned_certs"`
	ConnTimeout      time.Duration       `json:"conn_timeout"`
	HandshakeTimeout time.Duration       `json:"handshake_timeout"`

	// RootCAs overrides the system pool; tests use it for httptest servers
	RootCAs *x509.CertPool `json:"-"`
}

// DefaultPinningConfig returns default certificate pinning configuration
func DefaultPinningConfig() *PinningConfig {
	return &PinningConfig{
		PinnedCerts:      make(map[string][]string),
		ConnTimeout:      10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

// LicensePinningConfig pins the host of serverURL to the given SPKI hashes.
// An empty pin list keeps plain CA validation.
func LicensePinningConfig(serverURL string, pins []string, timeout time.Duration) *PinningConfig {
	cfg := DefaultPinningConfig()
	if timeout > 0 {
		cfg.ConnTimeout = timeout
	}
	if host := hostOf(serverURL); host != "" && len(pins) > 0 {
		cfg.PinnedCerts[host] = pins
	}
	return cfg
}

// NewCertificatePinner creates a pinner from config, normalizing every pin
func NewCertificatePinner(config *PinningConfig) (*CertificatePinner, error) {
	if config == nil {
		config = DefaultPinningConfig()
	}

	pinner := &CertificatePinner{
		pinnedHashes: make(map[string][]string),
		strictMode:   config.StrictMode,
	}
	for hostname, hashes := range config.PinnedCerts {
		for _, h := range hashes {
			if err := pinner.AddCustomPin(hostname, h); err != nil {
				return nil, err
			}
		}
	}
	return pinner, nil
}

// CreateSecureHTTPClient creates an HTTP client with TLS 1.2+ and pinning
func (cp *CertificatePinner) CreateSecureHTTPClient(config *PinningConfig) *http.Client {
	if config == nil {
		config = DefaultPinningConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    config.RootCAs,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		VerifyConnection: func(cs tls.ConnectionState) error {
			return cp.verifyHost(cs.ServerName, cs)
		},
	}
	dialer := &net.Dialer{Timeout: config.ConnTimeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: config.HandshakeTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		DialContext:         dialer.DialContext,
		// Direct TLS dials pin against the dialed host. SNI is empty for IP
		// targets, so the connection state alone cannot name the host.
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			cfg := tlsConfig.Clone()
			if cfg.ServerName == "" {
				cfg.ServerName = host
			}
			cfg.VerifyConnection = func(cs tls.ConnectionState) error {
				return cp.verifyHost(host, cs)
			}

			rawConn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			conn := tls.Client(rawConn, cfg)
			if config.HandshakeTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, config.HandshakeTimeout)
				defer cancel()
			}
			if err := conn.HandshakeContext(ctx); err != nil {
				_ = rawConn.Close()
				return nil, err
			}
			return conn, nil
		},
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.ConnTimeout,
	}
}

// verifyHost runs after standard chain verification
func (cp *CertificatePinner) verifyHost(hostname string, cs tls.ConnectionState) error {
	pinnedHashes := cp.findMatchingPins(hostname)
	if len(pinnedHashes) == 0 {
		if cp.strictMode {
			return fmt.Errorf("no certificate pins configured for hostname: %s", hostname)
		}
		return nil
	}
	if len(cs.VerifiedChains) == 0 {
		return errors.New("no verified certificate chains")
	}

	for _, chain := range cs.VerifiedChains {
		for _, cert := range chain {
			certHash := CalculateSPKIHash(cert)
			for _, pinnedHash := range pinnedHashes {
				if certHash == pinnedHash {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("certificate pin verification failed for hostname: %s", hostname)
}

// findMatchingPins finds pinned hashes that match the given hostname
func (cp *CertificatePinner) findMatchingPins(hostname string) []string {
	hostname = strings.ToLower(hostname)
	if pins, exists := cp.pinnedHashes[hostname]; exists {
		return pins
	}
	for pinnedHost, pins := range cp.pinnedHashes {
		if strings.HasPrefix(pinnedHost, "*.") && strings.HasSuffix(hostname, pinnedHost[1:]) {
			return pins
		}
	}
	return nil
}

// CalculateSPKIHash returns the lowercase hex SHA-256 of the certificate's
// Subject Public Key Info
func CalculateSPKIHash(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}

// AddCustomPin adds a pin for hostname. The hash may be hex or base64
// (the HPKP "pin-sha256" form).
func (cp *CertificatePinner) AddCustomPin(hostname, certHash string) error {
	if hostname == "" {
		return errors.New("hostname cannot be empty")
	}
	normalized, err := normalizePin(certHash)
	if err != nil {
		return err
	}
	hostname = strings.ToLower(hostname)
	cp.pinnedHashes[hostname] = append(cp.pinnedHashes[hostname], normalized)
	return nil
}

// GetPinnedHashes returns all pinned certificate hashes
func (cp *CertificatePinner) GetPinnedHashes() map[string][]string {
	result := make(map[string][]string, len(cp.pinnedHashes))
	for hostname, hashes := range cp.pinnedHashes {
		result[hostname] = append([]string(nil), hashes...)
	}
	return result
}

func normalizePin(pin string) (string, error) {
	pin = strings.TrimPrefix(strings.TrimSpace(pin), "sha256/")
	if len(pin) == 64 {
		if raw, err := hex.DecodeString(pin); err == nil {
			return hex.EncodeToString(raw), nil
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(pin); err == nil && len(raw) == sha256.Size {
		return hex.EncodeToString(raw), nil
	}
	return "", fmt.Errorf("certificate pin %q is not a SHA-256 hash in hex or base64", pin)
}

func hostOf(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
