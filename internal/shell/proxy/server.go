// Package proxy implements the reverse proxy that routes incoming requests
// to instance host ports based on the Host header.
package proxy

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/proxy"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Config holds proxy server configuration.
type Config struct {
	Address      string        // Listen address, e.g., "0.0.0.0:80"
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
	IdleTimeout  time.Duration // HTTP idle timeout
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Address:      "0.0.0.0:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Server is the HTTP server that routes domains to upstreams.
type Server struct {
	logger  *slog.Logger
	config  Config
	errTmpl *template.Template

	mu     sync.RWMutex
	routes map[string]proxy.RouteTarget
}

// NewServer creates a new proxy server with an empty route table.
func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	errTmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &Server{
		logger:  logger.With("component", "proxy"),
		config:  cfg,
		errTmpl: errTmpl,
		routes:  make(map[string]proxy.RouteTarget),
	}, nil
}

// =============================================================================
// Route Table
// =============================================================================

// SetRoute points a domain at target, replacing any previous route.
func (s *Server) SetRoute(ctx context.Context, domainName string, target proxy.RouteTarget) error {
	domainName = domain.NormalizeDomain(domainName)
	if domainName == "" {
		return errors.New("set route: empty domain")
	}
	if !target.CanRoute() {
		return errors.New("set route " + domainName + ": target has no usable address")
	}
	target.Domain = domainName

	s.mu.Lock()
	s.routes[domainName] = target
	s.mu.Unlock()

	s.logger.Info("route set", "domain", domainName, "upstream", target.Address(), "instance", target.InstanceID)
	return nil
}

// RemoveRoute deletes the route of a domain. Removing a missing route succeeds.
func (s *Server) RemoveRoute(ctx context.Context, domainName string) error {
	domainName = domain.NormalizeDomain(domainName)

	s.mu.Lock()
	_, existed := s.routes[domainName]
	delete(s.routes, domainName)
	s.mu.Unlock()

	if existed {
		s.logger.Info("route removed", "domain", domainName)
	}
	return nil
}

// Route returns the current route of a domain.
func (s *Server) Route(domainName string) (proxy.RouteTarget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.routes[domain.NormalizeDomain(domainName)]
	return t, ok
}

// Routes returns every route ordered by domain.
func (s *Server) Routes() []proxy.RouteTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]proxy.RouteTarget, 0, len(s.routes))
	for _, t := range s.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Domain < out[j].Domain
	})
	return out
}

func (s *Server) resolve(host string) (proxy.RouteTarget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := proxy.ResolveHost(host, func(d string) bool {
		_, found := s.routes[d]
		return found
	})
	if !ok {
		return proxy.RouteTarget{}, false
	}
	return s.routes[key], true
}

// =============================================================================
// HTTP
// =============================================================================

// HTTPServer returns an unstarted server listening on the configured
// address. handler wraps the proxy, for example to answer ACME challenges;
// nil serves the proxy directly.
func (s *Server) HTTPServer(handler http.Handler) *http.Server {
	if handler == nil {
		handler = s
	}
	return &http.Server{
		Addr:         s.config.Address,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hostname := r.Host

	target, ok := s.resolve(hostname)
	if !ok {
		// Health endpoint answers only for hosts without a route so it never
		// shadows an application's own /health.
		if r.URL.Path == "/health" && r.Method == http.MethodGet {
			s.serveHealth(w, r)
			return
		}
		s.serveError(w, r, proxy.NewNotFoundError(proxy.StripPort(hostname)))
		return
	}

	s.logger.Debug("proxy request",
		"hostname", hostname,
		"path", r.URL.Path,
		"method", r.Method,
		"instance", target.InstanceID,
	)

	upstream, err := url.Parse(target.URL())
	if err != nil {
		s.logger.Error("invalid upstream", "hostname", hostname, "error", err)
		s.serveError(w, r, proxy.NewUnavailableError(hostname))
		return
	}

	s.proxyRequest(w, r, upstream, target)
}

func (s *Server) proxyRequest(w http.ResponseWriter, r *http.Request, upstream *url.URL, target proxy.RouteTarget) {
	reverseProxy := httputil.NewSingleHostReverseProxy(upstream)

	originalDirector := reverseProxy.Director
	reverseProxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Forwarded-Host", r.Host)
		req.Header.Set("X-Real-IP", getRealIP(r))
		req.Header.Set("X-Shipyard-Instance", target.InstanceID)
	}

	reverseProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Error("upstream error",
			"hostname", r.Host,
			"instance", target.InstanceID,
			"error", err,
		)
		if isTimeout(err) {
			s.serveError(w, r, proxy.NewUpstreamTimeoutError(r.Host))
			return
		}
		s.serveError(w, r, proxy.NewUnavailableError(r.Host))
	}

	reverseProxy.ServeHTTP(w, r)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Server) serveError(w http.ResponseWriter, r *http.Request, err proxy.ProxyError) {
	s.logger.Warn("proxy error",
		"type", err.Type,
		"hostname", err.Hostname,
		"status", err.StatusCode,
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(err.StatusCode)

	data := map[string]any{
		"Title":    http.StatusText(err.StatusCode),
		"Hostname": err.Hostname,
		"Message":  err.Message,
	}

	if execErr := s.errTmpl.ExecuteTemplate(w, "error.html", data); execErr != nil {
		s.logger.Error("failed to execute error template", "error", execErr)
	}
}

// getRealIP extracts the real client IP from the request.
func getRealIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the chain
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	return r.RemoteAddr
}

// HealthResponse is the JSON response for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Routes int    `json:"routes"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.routes)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Routes: count})
}
