package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	corerpc "github.com/artpar/shipyard/internal/core/rpc"
	"github.com/artpar/shipyard/internal/shell/rpc/openapi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxBodyBytes bounds a request body; compose documents are the largest args.
const maxBodyBytes = 8 << 20

// Config holds control plane server configuration.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	JWTSecret    string
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Address:      "127.0.0.1:7070",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
}

// Server exposes a dispatcher over HTTP.
type Server struct {
	dispatcher *Dispatcher
	config     Config
	logger     *slog.Logger
	docs       *openapi.Generator
	mcp        http.Handler
}

// NewServer creates the HTTP transport of d.
func NewServer(d *Dispatcher, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rpc_http")

	docs := openapi.NewGenerator(
		openapi.WithVersion(corerpc.Version),
		openapi.WithServer("http://"+cfg.Address),
	)
	for _, m := range d.Methods() {
		info := openapi.MethodInfo{Name: m.Name, Description: m.Description, Result: m.Result}
		for _, p := range m.Params {
			info.Params = append(info.Params, openapi.ParamInfo{Name: p.Name, Model: p.Model, Required: p.Required})
		}
		docs.RegisterMethod(info)
	}

	return &Server{
		dispatcher: d,
		config:     cfg,
		logger:     logger,
		docs:       docs,
		mcp:        NewMCPHandler(NewMCPServer(d, corerpc.Version, logger), logger),
	}
}

// HTTPServer returns an unstarted server for the control plane.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.config.Address,
		Handler:      s.Routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// Routes returns the router with all routes configured.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDHeader)

	r.Get("/health", s.handleHealth)
	r.Get("/openapi.json", s.docs.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RequireBearer([]byte(s.config.JWTSecret), s.logger))

		r.Post("/rpc", s.handleCall)
		r.Post("/rpc/{method}", s.handleMethod)
		r.Handle("/mcp", s.mcp)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDHeader copies the request ID to the response header.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Handlers
// =============================================================================

// HealthResponse is the JSON response for the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Methods int    `json:"methods"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: corerpc.Version,
		Methods: len(s.dispatcher.names),
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusOK, corerpc.NewErrorResponse("", "", corerpc.KindInvalidRequest, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.DispatchJSON(r.Context(), body))
}

// handleMethod takes the method from the path and the args as the whole body.
func (s *Server) handleMethod(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusOK, corerpc.NewErrorResponse("", method, corerpc.KindInvalidRequest, err.Error()))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeJSON(w, http.StatusOK, corerpc.NewErrorResponse("", method, corerpc.KindInvalidRequest, "request body is not valid JSON"))
		return
	}

	req := corerpc.Request{
		ID:     middleware.GetReqID(r.Context()),
		Method: method,
		Args:   body,
	}
	writeJSON(w, http.StatusOK, s.dispatcher.Dispatch(r.Context(), req))
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
