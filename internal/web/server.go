// Package web serves the REST API, the binary WebSocket and the automation
// API over HTTP.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"rgbw-ctrl/internal/automation"
	"rgbw-ctrl/internal/notify"
	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed cross-origin and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the script API backed by lib and engine.
func WithAutomation(engine *automation.Engine, lib *automation.Library) ServerOption {
	return func(s *Server) {
		s.engine = engine
		s.scripts = lib
	}
}

// WithVersion sets the application version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithoutAuth disables basic auth.
func WithoutAuth() ServerOption {
	return func(s *Server) {
		s.noAuth = true
	}
}

// Server is the HTTP server.
type Server struct {
	rt             *router.Router
	reg            *state.Registry
	notifier       *notify.Notifier
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	allowedOrigins []string
	readOnly       map[string]bool
	noAuth         bool
	scripts        *automation.Library
	engine         *automation.Engine
	version        string
}

// NewServer creates the server and registers its WebSocket hub as a sink of n.
func NewServer(rt *router.Router, n *notify.Notifier, logger *slog.Logger, opts ...ServerOption) *Server {
	logger = logger.With("component", "web")
	s := &Server{
		rt:       rt,
		reg:      rt.Registry(),
		notifier: n,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	if n != nil {
		n.AddSink(s.wsHub)
	}

	s.routes()
	return s
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub { return s.wsHub }

// Stop disconnects every WebSocket client.
func (s *Server) Stop() {
	s.wsHub.Close()
}

// read registers a route that cannot change device state. Only these routes
// answer origins outside the allowed list.
func (s *Server) read(pattern string, h http.HandlerFunc) {
	if s.readOnly == nil {
		s.readOnly = make(map[string]bool)
	}
	s.readOnly[pattern] = true
	s.mux.HandleFunc(pattern, h)
}

func (s *Server) routes() {
	s.read("GET /rest/state", s.handleRestState)
	for _, m := range []string{"GET", "POST"} {
		s.mux.HandleFunc(m+" /rest/color", s.handleRestColor)
		s.mux.HandleFunc(m+" /rest/brightness", s.handleRestBrightness)
		s.mux.HandleFunc(m+" /rest/bluetooth", s.handleRestBluetooth)
		s.mux.HandleFunc(m+" /rest/system/restart", s.handleRestRestart)
		s.mux.HandleFunc(m+" /rest/system/reset", s.handleRestReset)
	}

	s.read("GET /api/version", s.handleAPIVersion)

	s.read("GET /api/automations", s.handleScriptList)
	s.mux.HandleFunc("POST /api/automations", s.handleScriptCreate)
	s.read("GET /api/automations/{id}", s.handleScriptGet)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleScriptUpdate)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleScriptDelete)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleScriptToggle)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleScriptRun)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the origin policy and basic auth, then routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.allowOrigin(w, r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if r.Method == http.MethodOptions && r.Header.Get("Origin") != "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="rgbw-ctrl"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// allowOrigin sets CORS headers for cross-origin requests. Without a
// configured origin list every request passes and no headers are added.
// Routes registered with read answer any origin; everything else, including
// GET forms of the mutating REST routes and the WebSocket, needs a listed
// origin.
func (s *Server) allowOrigin(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.allowedOrigins) == 0 || origin == "" {
		return true
	}
	listed := slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
	if !listed {
		_, pattern := s.mux.Handler(r)
		return s.readOnly[pattern]
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	if r.Method == http.MethodOptions {
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "3600")
	}
	return true
}

// authorized checks basic auth against the current credentials. An empty
// username leaves the surface open.
func (s *Server) authorized(r *http.Request) bool {
	if s.noAuth {
		return true
	}
	creds := s.reg.Credentials()
	if creds.Username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(creds.Username))
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(creds.Password))
	return userOK&passOK == 1
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
