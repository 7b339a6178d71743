// Package config holds the shim's constants and environment-driven settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ClientIDDefault    = "app_EMoamEEZ73f0CkXaXp7hrann"
	OAuthIssuerDefault = "https://auth.openai.com"
	ResponsesURL       = "https://chatgpt.com/backend-api/codex/responses"

	// TargetModelPrefix gates interception: only payloads for these models
	// get gateway-compatibility treatment.
	TargetModelPrefix = "gpt-5"

	// ResponsesPathSuffix identifies the intercepted endpoint.
	ResponsesPathSuffix = "/responses"

	// Header vocabulary of the reference client the relay mimics.
	UserAgent  = "codex_cli_rs/0.42.0 (go-codexshim)"
	Originator = "codex_cli_rs"
)

// FallbackInstructionsDefault repairs payloads that arrive with no
// instructions when nothing better has been recorded for the model. The
// gateway rejects blank instructions outright.
const FallbackInstructionsDefault = "You are a coding agent. Use only the tools declared in this request."

// Config holds all runtime configuration.
type Config struct {
	Host    string
	Port    int
	Verbose bool

	// TelemetryPath enables the JSONL diagnostics sink when non-empty.
	TelemetryPath string

	// ToolPrefix is prepended to outbound tool names and stripped from the
	// response stream. Empty disables the rewrite.
	ToolPrefix string

	// Retry policy for upstream throttling.
	RetryMax      int
	RetryBaseWait time.Duration
	RetryMaxWait  time.Duration

	// StripCacheKey removes prompt_cache_key from outbound payloads.
	StripCacheKey bool

	FallbackInstructions string

	// Conversation-state bounds.
	StateTTL      time.Duration
	StateCapacity int
}

// ClientID returns the OAuth client ID from env or default.
func ClientID() string {
	if id := os.Getenv("CODEXSHIM_CLIENT_ID"); id != "" {
		return id
	}
	return ClientIDDefault
}

// OAuthIssuer returns the OAuth issuer URL.
func OAuthIssuer() string {
	if iss := os.Getenv("CODEXSHIM_ISSUER"); iss != "" {
		return iss
	}
	return OAuthIssuerDefault
}

// TokenURL returns the OAuth token endpoint.
func TokenURL() string {
	if u := os.Getenv("CODEXSHIM_TOKEN_URL"); u != "" {
		return u
	}
	return OAuthIssuer() + "/oauth/token"
}

// UpstreamURL returns the gateway endpoint requests are relayed to.
func UpstreamURL() string {
	if u := os.Getenv("CODEXSHIM_UPSTREAM_URL"); u != "" {
		return u
	}
	return ResponsesURL
}

// FromEnv creates a Config with defaults from environment variables.
func FromEnv() *Config {
	return &Config{
		Host:                 envOrDefault("CODEXSHIM_HOST", "127.0.0.1"),
		Port:                 envInt("CODEXSHIM_PORT", 8090),
		Verbose:              envBool("CODEXSHIM_VERBOSE"),
		TelemetryPath:        os.Getenv("CODEXSHIM_TELEMETRY_PATH"),
		ToolPrefix:           envOrDefault("CODEXSHIM_TOOL_PREFIX", "ext_"),
		RetryMax:             envInt("CODEXSHIM_RETRY_MAX", 3),
		RetryBaseWait:        envDuration("CODEXSHIM_RETRY_BASE_WAIT", time.Second),
		RetryMaxWait:         envDuration("CODEXSHIM_RETRY_MAX_WAIT", 30*time.Second),
		StripCacheKey:        envBool("CODEXSHIM_STRIP_CACHE_KEY"),
		FallbackInstructions: envOrDefault("CODEXSHIM_INSTRUCTIONS", FallbackInstructionsDefault),
		StateTTL:             envDuration("CODEXSHIM_STATE_TTL", 0),
		StateCapacity:        envInt("CODEXSHIM_STATE_CAPACITY", 0),
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
