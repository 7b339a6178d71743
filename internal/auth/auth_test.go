package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// makeJWT builds an unsigned JWT carrying the given claims.
func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + ".sig"
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Setenv("CODEXSHIM_HOME", t.TempDir())

	cf := &CredentialFile{
		Credential: Credential{
			Kind:         KindOAuth,
			AccessToken:  "at",
			RefreshToken: "rt",
			AccountID:    "acct_1",
		},
		LastRefresh: "2026-08-30T10:00:00Z",
	}
	if err := (FileStore{}).Save(cf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := FileStore{}.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Credential.AccessToken != "at" || got.Credential.AccountID != "acct_1" {
		t.Errorf("loaded = %+v", got.Credential)
	}

	info, err := os.Stat(filepath.Join(os.Getenv("CODEXSHIM_HOME"), "auth.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("auth.json mode = %o", perm)
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	t.Setenv("CODEXSHIM_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	_, err := FileStore{}.Load()
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v", err)
	}
}

func TestFileStoreInfersKindOnLegacyFiles(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CODEXSHIM_HOME", dir)

	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, "auth.json"), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	write(`{"credential": {"api_key": "sk-test"}}`)
	cf, err := FileStore{}.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cf.Credential.Kind != KindAPIKey {
		t.Errorf("kind = %q", cf.Credential.Kind)
	}

	write(`{"credential": {"access_token": "at", "refresh_token": "rt"}}`)
	cf, err = FileStore{}.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cf.Credential.Kind != KindOAuth {
		t.Errorf("kind = %q", cf.Credential.Kind)
	}
}

func TestParseJWTClaims(t *testing.T) {
	token := makeJWT(t, map[string]any{"email": "dev@example.com", "exp": float64(1893456000)})
	claims, err := ParseJWTClaims(token)
	if err != nil {
		t.Fatalf("ParseJWTClaims: %v", err)
	}
	if claims["email"] != "dev@example.com" {
		t.Errorf("email = %v", claims["email"])
	}

	if _, err := ParseJWTClaims("not-a-jwt"); !errors.Is(err, ErrInvalidJWT) {
		t.Errorf("malformed token err = %v", err)
	}
	if _, err := ParseJWTClaims("a.!!!.c"); err == nil {
		t.Error("bad base64 accepted")
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	token := makeJWT(t, map[string]any{"exp": float64(exp)})
	got, ok := TokenExpiry(token)
	if !ok || got.Unix() != exp {
		t.Errorf("TokenExpiry = %v, %v", got, ok)
	}
	if _, ok := TokenExpiry(makeJWT(t, map[string]any{"sub": "x"})); ok {
		t.Error("missing exp reported as present")
	}
}

func TestShouldRefreshAccessToken(t *testing.T) {
	fresh := makeJWT(t, map[string]any{"exp": float64(time.Now().Add(time.Hour).Unix())})
	expiring := makeJWT(t, map[string]any{"exp": float64(time.Now().Add(2 * time.Minute).Unix())})

	tests := []struct {
		name        string
		token       string
		lastRefresh string
		want        bool
	}{
		{"empty token", "", "", true},
		{"fresh jwt", fresh, "", false},
		{"expiring jwt", expiring, "", true},
		{"opaque, recent refresh", "opaque", time.Now().Add(-10 * time.Minute).Format(time.RFC3339), false},
		{"opaque, stale refresh", "opaque", time.Now().Add(-2 * time.Hour).Format(time.RFC3339), true},
		{"opaque, no history", "opaque", "", false},
	}
	for _, tt := range tests {
		if got := shouldRefreshAccessToken(tt.token, tt.lastRefresh); got != tt.want {
			t.Errorf("%s: shouldRefresh = %v", tt.name, got)
		}
	}
}

func TestDeriveAccountID(t *testing.T) {
	token := makeJWT(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{"chatgpt_account_id": "acct_42"},
	})
	if got := DeriveAccountID(token); got != "acct_42" {
		t.Errorf("DeriveAccountID = %q", got)
	}
	if got := DeriveAccountID(makeJWT(t, map[string]any{"sub": "x"})); got != "" {
		t.Errorf("missing claim = %q", got)
	}
	if got := DeriveAccountID(""); got != "" {
		t.Errorf("empty token = %q", got)
	}
}

func TestManagerResolveAPIKey(t *testing.T) {
	t.Setenv("CODEXSHIM_HOME", t.TempDir())
	FileStore{}.Save(&CredentialFile{Credential: Credential{Kind: KindAPIKey, APIKey: "sk-test"}})

	m := NewManager(FileStore{}, "client-1", "https://auth.example/token")
	got, err := m.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Kind != KindAPIKey || got.Token != "sk-test" {
		t.Errorf("resolved = %+v", got)
	}
}

func TestManagerResolveFreshOAuthSkipsRefresh(t *testing.T) {
	t.Setenv("CODEXSHIM_HOME", t.TempDir())
	access := makeJWT(t, map[string]any{"exp": float64(time.Now().Add(time.Hour).Unix())})
	idToken := makeJWT(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{"chatgpt_account_id": "acct_7"},
	})
	FileStore{}.Save(&CredentialFile{Credential: Credential{
		Kind:         KindOAuth,
		AccessToken:  access,
		RefreshToken: "rt",
		IDToken:      idToken,
	}})

	// Unreachable token URL: Resolve must not need it for a fresh token.
	m := NewManager(FileStore{}, "client-1", "http://127.0.0.1:0/token")
	got, err := m.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Kind != KindOAuth || got.Token != access {
		t.Errorf("resolved = %+v", got)
	}
	if got.AccountID != "acct_7" {
		t.Errorf("AccountID = %q", got.AccountID)
	}
}

func TestManagerResolveRefreshFailureIsFatal(t *testing.T) {
	t.Setenv("CODEXSHIM_HOME", t.TempDir())
	expired := makeJWT(t, map[string]any{"exp": float64(time.Now().Add(-time.Hour).Unix())})
	FileStore{}.Save(&CredentialFile{Credential: Credential{
		Kind:         KindOAuth,
		AccessToken:  expired,
		RefreshToken: "rt",
	}})

	m := NewManager(FileStore{}, "client-1", "http://127.0.0.1:0/token")
	_, err := m.Resolve(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestManagerResolveNoCredentials(t *testing.T) {
	t.Setenv("CODEXSHIM_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	m := NewManager(FileStore{}, "client-1", "")
	_, err := m.Resolve(context.Background())
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v", err)
	}
}
