// Package certs is the certificate collaborator. It obtains ACME certificates
// for routed domains through autocert, or does nothing when certificates are
// disabled.
package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/artpar/shipyard/internal/core/dns"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// Issuer obtains a certificate for a domain.
type Issuer interface {
	EnsureCertificate(ctx context.Context, domain string) error
}

// Config holds ACME settings.
type Config struct {
	Email        string
	CacheDir     string
	DirectoryURL string // empty means Let's Encrypt production
}

// =============================================================================
// Noop
// =============================================================================

// Noop accepts every domain without obtaining anything.
type Noop struct{}

// EnsureCertificate implements Issuer.
func (Noop) EnsureCertificate(ctx context.Context, domain string) error { return nil }

// =============================================================================
// ACME Manager
// =============================================================================

// Manager obtains and caches certificates with autocert. Only domains for
// which allow returns true, or which were passed to EnsureCertificate, may be
// issued.
type Manager struct {
	autocert *autocert.Manager
	allow    func(domain string) bool
	logger   *slog.Logger

	mu        sync.Mutex
	requested map[string]bool
}

// NewManager creates an ACME-backed issuer. allow is consulted by the host
// policy for TLS handshakes that were not started by EnsureCertificate.
func NewManager(cfg Config, allow func(domain string) bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		allow:     allow,
		logger:    logger.With("component", "certs"),
		requested: make(map[string]bool),
	}

	am := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      cfg.Email,
		HostPolicy: m.hostPolicy,
	}
	if cfg.CacheDir != "" {
		am.Cache = autocert.DirCache(cfg.CacheDir)
	}
	if cfg.DirectoryURL != "" {
		am.Client = &acme.Client{DirectoryURL: cfg.DirectoryURL}
	}
	m.autocert = am
	return m
}

func (m *Manager) hostPolicy(ctx context.Context, host string) error {
	m.mu.Lock()
	requested := m.requested[host]
	m.mu.Unlock()

	if requested || (m.allow != nil && m.allow(host)) {
		return nil
	}
	return fmt.Errorf("certs: host %q is not routed", host)
}

// EnsureCertificate obtains a certificate for domain, returning once it is
// cached or ctx is done. Wildcards, IP addresses and single-label names
// cannot be validated over HTTP and are skipped.
func (m *Manager) EnsureCertificate(ctx context.Context, domain string) error {
	if !Certifiable(domain) {
		m.logger.Debug("skipping certificate", "domain", domain)
		return nil
	}

	if m.allow != nil && !m.allow(domain) {
		return fmt.Errorf("certs: host %q is not routed", domain)
	}

	m.mu.Lock()
	m.requested[domain] = true
	m.mu.Unlock()

	type result struct {
		cert *tls.Certificate
		err  error
	}
	done := make(chan result, 1)
	go func() {
		cert, err := m.autocert.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
		done <- result{cert, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res.err != nil {
			m.logger.Error("certificate request failed", "domain", domain, "error", res.err)
			return fmt.Errorf("certs: %s: %w", domain, res.err)
		}
		if res.cert.Leaf != nil {
			m.logger.Info("certificate ready", "domain", domain, "expires", res.cert.Leaf.NotAfter)
		} else {
			m.logger.Info("certificate ready", "domain", domain)
		}
		return nil
	}
}

// HTTPHandler answers ACME HTTP-01 challenges and passes every other request
// to fallback.
func (m *Manager) HTTPHandler(fallback http.Handler) http.Handler {
	return m.autocert.HTTPHandler(fallback)
}

// Certifiable reports whether an ACME HTTP-01 certificate can be issued for domain.
func Certifiable(domain string) bool {
	if domain == "" || dns.IsWildcard(domain) {
		return false
	}
	if net.ParseIP(domain) != nil {
		return false
	}
	return strings.Contains(strings.Trim(domain, "."), ".")
}
