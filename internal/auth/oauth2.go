package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// NewOAuth2Config creates an oauth2.Config for the upstream login flow.
//
// Port 1455 and the /auth/callback path match the redirect URI registered in
// the provider's OAuth application for its reference CLI; the authorization
// server validates the redirect URI against the registered value, so neither
// can change. "offline_access" is requested to obtain a refresh token.
func NewOAuth2Config(clientID, issuer string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   issuer + "/oauth/authorize",
			TokenURL:  issuer + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
		RedirectURL: "http://localhost:1455/auth/callback",
	}
}

// refreshResult holds the result of a token refresh.
type refreshResult struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	AccountID    string
}

// tokenRefreshResponse is the JSON response from the token refresh endpoint.
type tokenRefreshResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
}

// refreshHTTPClient bounds the token exchange; a hung refresh would otherwise
// hold the caller's request open indefinitely.
var refreshHTTPClient = &http.Client{Timeout: 30 * time.Second}

// refreshTokens exchanges a refresh token for new tokens.
// NOTE: manual HTTP rather than oauth2.TokenSource because the provider's
// refresh endpoint expects an application/json body, not form-encoded.
func refreshTokens(ctx context.Context, refreshToken, clientID, tokenURL string) (*refreshResult, error) {
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     clientID,
		"scope":         "openid profile email offline_access",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := refreshHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("refresh token request returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read refresh response: %w", err)
	}

	var data tokenRefreshResponse
	if err := json.Unmarshal(respBody, &data); err != nil {
		return nil, fmt.Errorf("unable to parse refresh response: %w", err)
	}

	newRefresh := data.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	if data.AccessToken == "" {
		return nil, ErrRefreshFailed
	}

	return &refreshResult{
		AccessToken:  data.AccessToken,
		IDToken:      data.IDToken,
		RefreshToken: newRefresh,
		AccountID:    DeriveAccountID(data.IDToken),
	}, nil
}
