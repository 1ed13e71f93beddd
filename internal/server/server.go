// Package server is the HTTP glue around the access core: routing,
// middleware, CSRF for the browser form flow, and streaming of gated
// downloads. It renders JSON only; HTML presentation is out of scope.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"docgate/internal/access"
)

type Config struct {
	Addr string // e.g. ":8080"
	Env  string // "production" or "development"
}

type Server struct {
	httpServer *http.Server
	svc        *access.Service
	csrf       *csrfGuard
	log        *zap.Logger
}

func New(cfg Config, svc *access.Service, log *zap.Logger) *Server {
	s := &Server{
		svc:  svc,
		csrf: newCSRFGuard(cfg.Env == "production"),
		log:  log,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(log))
	r.Use(securityHeadersMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/csrf", s.handleCSRF)
	r.Get("/search", s.handleSearch)
	r.Post("/search", s.requireCSRF(s.handleSearch))
	r.Get("/download", s.handleDownload)

	// Compatibility: deep links into the old export tree redirect to
	// the gated search flow.
	r.Get("/exp/{token}/*", s.handleLegacyRedirect)

	// Friendly URL: /TOKEN dispatches the list flow.
	r.Get("/{token}", s.handleFriendlyToken)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleLegacyRedirect(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !access.ValidTokenFormat(token) {
		writeError(w, http.StatusNotFound, "Not found.")
		return
	}
	http.Redirect(w, r, "/search?token="+url.QueryEscape(token), http.StatusFound)
}

func (s *Server) handleFriendlyToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !access.ValidTokenFormat(token) {
		writeError(w, http.StatusNotFound, "Not found.")
		return
	}
	s.listDocuments(w, r, token)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeRejection(w http.ResponseWriter, rej *access.Rejection) {
	writeError(w, rej.Status, rej.Message)
}
