// Package oauth runs the one-shot PKCE login flow that seeds the credential
// store.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/codexlocal/go-codexshim/internal/auth"
	"github.com/codexlocal/go-codexshim/internal/config"
)

const (
	// RequiredPort matches the redirect URI registered with the provider.
	RequiredPort = 1455
	URLBase      = "http://localhost:1455"
)

// Server manages the OAuth callback HTTP server.
type Server struct {
	httpServer  *http.Server
	listener    net.Listener
	store       auth.Store
	ExitCode    int
	OAuthConfig *oauth2.Config
	Verifier    string
	State       string
}

// NewServer creates a new OAuth callback server persisting into store.
func NewServer(bindHost string, store auth.Store) (*Server, error) {
	stateBytes := make([]byte, 32)
	_, _ = rand.Read(stateBytes)

	s := &Server{
		store:       store,
		ExitCode:    1,
		OAuthConfig: auth.NewOAuth2Config(config.ClientID(), config.OAuthIssuer()),
		Verifier:    oauth2.GenerateVerifier(),
		State:       hex.EncodeToString(stateBytes),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/callback", s.handleCallback)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindHost, RequiredPort))
	if err != nil {
		return nil, err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// AuthURL returns the full authorization URL to open in the browser.
func (s *Server) AuthURL() string {
	return s.OAuthConfig.AuthCodeURL(s.State,
		oauth2.S256ChallengeOption(s.Verifier),
		oauth2.SetAuthURLParam("id_token_add_organizations", "true"),
		oauth2.SetAuthURLParam("codex_cli_simplified_flow", "true"),
	)
}

// ListenAndServe starts the OAuth callback server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.Serve(s.listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("login server shutdown error")
	}
}

// ExchangeCode exchanges an authorization code for tokens and persists them.
func (s *Server) ExchangeCode(ctx context.Context, code string) (*auth.CredentialFile, error) {
	token, err := s.OAuthConfig.Exchange(ctx, code, oauth2.VerifierOption(s.Verifier))
	if err != nil {
		return nil, err
	}

	idToken, _ := token.Extra("id_token").(string)
	cf := &auth.CredentialFile{
		Credential: auth.Credential{
			Kind:         auth.KindOAuth,
			IDToken:      idToken,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			AccountID:    auth.DeriveAccountID(idToken),
		},
		LastRefresh: time.Now().UTC().Format(time.RFC3339),
	}
	return cf, s.store.Save(cf)
}

const loginSuccessHTML = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <title>Login successful</title>
  </head>
  <body>
    <div style="max-width: 640px; margin: 80px auto; font-family: system-ui, sans-serif;">
      <h1>Login successful</h1>
      <p>You can close this window, return to the terminal, and run <code>codexshim serve</code>.</p>
    </div>
  </body>
</html>`

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("state") != s.State {
		http.Error(w, "State mismatch", http.StatusBadRequest)
		go s.Shutdown()
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing auth code", http.StatusBadRequest)
		go s.Shutdown()
		return
	}

	if _, err := s.ExchangeCode(r.Context(), code); err != nil {
		http.Error(w, "Token exchange failed: "+err.Error(), http.StatusInternalServerError)
		go s.Shutdown()
		return
	}

	s.ExitCode = 0
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(loginSuccessHTML))

	go func() {
		time.Sleep(2 * time.Second)
		s.Shutdown()
	}()
}
