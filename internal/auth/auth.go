// Package auth reads, refreshes, and persists upstream credentials.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Credential kinds.
const (
	KindOAuth  = "oauth"
	KindAPIKey = "api_key"
)

// Credential is the stored credential object. For KindOAuth the token triple
// and account id are set; for KindAPIKey only the static key is.
type Credential struct {
	Kind         string `json:"kind"`
	APIKey       string `json:"api_key,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

// CredentialFile is the full auth.json contents.
type CredentialFile struct {
	Credential  Credential `json:"credential"`
	LastRefresh string     `json:"last_refresh,omitempty"`
}

// Store is the boundary with the host's credential storage: one read, one
// write. The on-disk format beyond these fields belongs to the host.
type Store interface {
	Load() (*CredentialFile, error)
	Save(*CredentialFile) error
}

// FileStore keeps credentials in auth.json under the shim home directory.
type FileStore struct{}

// HomeDir returns the credential storage directory path.
func HomeDir() string {
	if d := os.Getenv("CODEXSHIM_HOME"); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".codexshim")
}

// Load searches known locations for auth.json.
func (FileStore) Load() (*CredentialFile, error) {
	home, _ := os.UserHomeDir()
	candidates := []string{
		os.Getenv("CODEXSHIM_HOME"),
		filepath.Join(home, ".codexshim"),
		filepath.Join(home, ".codex"),
	}
	for _, base := range candidates {
		if base == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(base, "auth.json"))
		if err != nil {
			continue
		}
		var cf CredentialFile
		if err := json.Unmarshal(data, &cf); err != nil {
			continue
		}
		if cf.Credential.Kind == "" {
			// Files written before the kind field existed; infer it.
			if cf.Credential.APIKey != "" {
				cf.Credential.Kind = KindAPIKey
			} else {
				cf.Credential.Kind = KindOAuth
			}
		}
		return &cf, nil
	}
	return nil, ErrNoCredentials
}

// Save persists the credential file to the home directory with 0600
// permissions.
func (FileStore) Save(cf *CredentialFile) error {
	dir := HomeDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable to create auth home directory %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0o600)
}

// Resolved is a credential ready to attach to a request.
type Resolved struct {
	Kind      string
	Token     string // bearer token or static key, per Kind
	AccountID string
}

// Manager hands out usable credentials, refreshing expiring ones
// transparently. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	store    Store
	clientID string
	tokenURL string
}

// NewManager creates a credential manager backed by the given store.
func NewManager(store Store, clientID, tokenURL string) *Manager {
	return &Manager{store: store, clientID: clientID, tokenURL: tokenURL}
}

// Resolve returns a credential ready for use. Expiring-token credentials are
// refreshed when absent or past expiry and the refreshed tokens are persisted
// back to the store. A failed refresh fails the whole call: a stale refresh
// token will not succeed on retry, so the error is surfaced instead of
// degrading to the expired token.
func (m *Manager) Resolve(ctx context.Context) (Resolved, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cf, err := m.store.Load()
	if err != nil {
		return Resolved{}, err
	}

	cred := cf.Credential
	if cred.Kind == KindAPIKey {
		if cred.APIKey == "" {
			return Resolved{}, ErrNoCredentials
		}
		return Resolved{Kind: KindAPIKey, Token: cred.APIKey}, nil
	}

	if cred.RefreshToken != "" && m.clientID != "" &&
		shouldRefreshAccessToken(cred.AccessToken, cf.LastRefresh) {
		refreshed, err := refreshTokens(ctx, cred.RefreshToken, m.clientID, m.tokenURL)
		if err != nil {
			return Resolved{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		cred.AccessToken = refreshed.AccessToken
		cred.IDToken = refreshed.IDToken
		cred.RefreshToken = refreshed.RefreshToken
		if refreshed.AccountID != "" {
			cred.AccountID = refreshed.AccountID
		}
		cf.Credential = cred
		cf.LastRefresh = time.Now().UTC().Format(time.RFC3339)
		if err := m.store.Save(cf); err != nil {
			return Resolved{}, fmt.Errorf("unable to persist refreshed credential: %w", err)
		}
	}

	if cred.AccessToken == "" {
		return Resolved{}, ErrNoCredentials
	}
	accountID := cred.AccountID
	if accountID == "" {
		accountID = DeriveAccountID(cred.IDToken)
	}
	return Resolved{Kind: KindOAuth, Token: cred.AccessToken, AccountID: accountID}, nil
}

// shouldRefreshAccessToken reports whether the access token is absent or
// close enough to expiry to refresh now. The JWT exp claim is authoritative;
// the last-refresh timestamp is the fallback for opaque tokens.
func shouldRefreshAccessToken(accessToken, lastRefresh string) bool {
	if accessToken == "" {
		return true
	}
	if exp, ok := TokenExpiry(accessToken); ok {
		return time.Until(exp) <= 5*time.Minute
	}
	if lastRefresh != "" {
		if t, err := time.Parse(time.RFC3339, lastRefresh); err == nil {
			return time.Since(t) >= 55*time.Minute
		}
	}
	return false
}

// DeriveAccountID extracts the upstream account ID from an id_token's claims.
func DeriveAccountID(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims, err := ParseJWTClaims(idToken)
	if err != nil {
		return ""
	}
	authClaims, ok := claims["https://api.openai.com/auth"].(map[string]any)
	if !ok {
		return ""
	}
	if aid, ok := authClaims["chatgpt_account_id"].(string); ok {
		return aid
	}
	return ""
}
