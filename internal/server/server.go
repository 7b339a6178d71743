// Package server is the optional local front end: a small HTTP server that
// forwards Responses API calls upstream through the interception transport.
// Hosts that can plug an http.RoundTripper in directly do not need it.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codexlocal/go-codexshim/internal/config"
	"github.com/codexlocal/go-codexshim/internal/dispatch"
)

// maxBodyBytes limits the size of incoming request bodies.
const maxBodyBytes = 10 * 1024 * 1024 // 10 MB

// hopHeaders are stripped when copying headers in either direction.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Content-Length":    true,
	"Host":              true,
}

// Server forwards local Responses API calls to the upstream gateway.
type Server struct {
	cfg        *config.Config
	client     *dispatch.Client
	upstream   string
	httpServer *http.Server
	closers    []func()
}

// New creates a server with all routes registered. transport is the full
// interception chain (dispatcher over relay); closers run on Shutdown.
func New(cfg *config.Config, transport http.RoundTripper, closers ...func()) *Server {
	s := &Server{
		cfg:      cfg,
		client:   &dispatch.Client{Transport: transport},
		upstream: config.UpstreamURL(),
		closers:  closers,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/responses", s.handleResponses)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 600 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and its background helpers.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, c := range s.closers {
		c()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleResponses relays one call upstream and streams the answer back
// chunk by chunk, so server-sent events reach the client incrementally.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)

	resp, err := s.client.Do(r.Context(), s.upstream, &dispatch.RequestInit{
		Method: http.MethodPost,
		Header: forwardableHeaders(r.Header),
		Body:   body,
	})
	if err != nil {
		log.Error().Err(err).Msg("upstream call failed")
		http.Error(w, "upstream call failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if hopHeaders[key] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	copyFlushing(w, resp.Body)
}

func forwardableHeaders(in http.Header) http.Header {
	out := make(http.Header)
	for key, values := range in {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	return out
}

// copyFlushing copies the body downstream, flushing after every chunk.
func copyFlushing(w http.ResponseWriter, r io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
