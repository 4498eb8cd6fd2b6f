package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	// SecurityModeProduction requires mutual TLS on the relay link.
	SecurityModeProduction SecurityMode = "production"
)

// TLSConfig points at PEM files for the relay link.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Security is the transport security policy shared by the hub and peers.
type Security struct {
	Mode SecurityMode
	TLS  TLSConfig
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (s Security) mode() (SecurityMode, error) {
	mode := NormalizeSecurityMode(s.Mode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSecurityMode, s.Mode)
	}
}

func (s Security) ValidateClient() error {
	mode, err := s.mode()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction {
		if !s.TLS.Enabled {
			return ErrTLSRequired
		}
		if !s.TLS.Mutual {
			return ErrMTLSRequired
		}
		if s.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if s.TLS.Mutual && !s.TLS.Enabled {
		return ErrTLSRequired
	}
	if s.TLS.Enabled && strings.TrimSpace(s.TLS.CAFile) == "" && !s.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if s.TLS.Mutual {
		if strings.TrimSpace(s.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(s.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (s Security) ValidateServer() error {
	mode, err := s.mode()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction {
		if !s.TLS.Enabled {
			return ErrTLSRequired
		}
		if !s.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if s.TLS.Mutual && !s.TLS.Enabled {
		return ErrTLSRequired
	}
	if s.TLS.Enabled {
		if strings.TrimSpace(s.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(s.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if s.TLS.Mutual && strings.TrimSpace(s.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// ClientTLS builds the dialer TLS config. It returns nil when TLS is off.
func (s Security) ClientTLS() (*tls.Config, error) {
	if err := s.ValidateClient(); err != nil {
		return nil, err
	}
	if !s.TLS.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(s.TLS.ServerName),
		InsecureSkipVerify: s.TLS.InsecureSkipVerify,
	}
	if caPath := strings.TrimSpace(s.TLS.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if s.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(s.TLS.CertFile, s.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLS builds the listener TLS config. It returns nil when TLS is off.
func (s Security) ServerTLS() (*tls.Config, error) {
	if err := s.ValidateServer(); err != nil {
		return nil, err
	}
	if !s.TLS.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.TLS.CertFile, s.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if s.TLS.Mutual {
		pool, err := loadPool(s.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("session: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
