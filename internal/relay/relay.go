// Package relay carries requests to the upstream gateway: it attaches
// credentials, speaks the reference client's header vocabulary, retries on
// throttling with server-supplied backoff hints, and rewrites tool names in
// both directions without buffering the response body.
package relay

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codexlocal/go-codexshim/internal/auth"
	"github.com/codexlocal/go-codexshim/internal/limits"
	"github.com/codexlocal/go-codexshim/internal/stream"
	"github.com/codexlocal/go-codexshim/internal/telemetry"
)

// Transport relays gateway-bound requests over Base. It implements
// http.RoundTripper; anything that does not look like a gateway call passes
// straight through to Base.
type Transport struct {
	Base  http.RoundTripper
	Creds *auth.Manager

	// PathSuffix identifies gateway calls; empty means relay everything.
	PathSuffix string

	// ToolPrefix, when non-empty, is added to outbound tool names and
	// stripped from the response body stream.
	ToolPrefix string

	UserAgent  string
	Originator string

	RetryMax      int
	RetryBaseWait time.Duration
	RetryMaxWait  time.Duration

	Limits    *limits.Recorder
	Telemetry *telemetry.Tracker
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.isGatewayCall(req) {
		return t.base().RoundTrip(req)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	if t.ToolPrefix != "" {
		body, _ = AddToolPrefix(body, t.ToolPrefix)
	}

	out := req.Clone(req.Context())
	if err := t.applyHeaders(out); err != nil {
		return nil, err
	}

	resp, err := t.doWithRetry(out, body)
	if err != nil {
		return nil, err
	}

	if t.ToolPrefix != "" && resp.Body != nil {
		resp.Body = stream.NewTransformReader(resp.Body, stream.NewPrefixStripper(t.ToolPrefix))
	}
	return resp, nil
}

func (t *Transport) isGatewayCall(req *http.Request) bool {
	if req.Method != http.MethodPost {
		return false
	}
	return t.PathSuffix == "" || strings.HasSuffix(req.URL.Path, t.PathSuffix)
}

// applyHeaders enriches the request with the reference client's header set.
// Credentials are injected only when the caller did not supply any; a
// credential-less request is allowed through (the gateway will say no), but a
// failed token refresh is fatal for the call.
func (t *Transport) applyHeaders(req *http.Request) error {
	if req.Header.Get("Authorization") == "" && req.Header.Get("x-api-key") == "" && t.Creds != nil {
		cred, err := t.Creds.Resolve(req.Context())
		switch {
		case err == nil:
			if cred.Kind == auth.KindAPIKey {
				req.Header.Set("x-api-key", cred.Token)
			} else {
				req.Header.Set("Authorization", "Bearer "+cred.Token)
				if cred.AccountID != "" {
					req.Header.Set("chatgpt-account-id", cred.AccountID)
				}
			}
		case errors.Is(err, auth.ErrNoCredentials):
			t.Telemetry.Passthrough(req.Method, req.URL.Path, "no credentials cached")
		default:
			t.Telemetry.Error("credential refresh", err)
			return err
		}
	}

	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("OpenAI-Beta", "responses=experimental")
	if t.UserAgent != "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}
	if t.Originator != "" {
		req.Header.Set("originator", t.Originator)
	}
	if req.Header.Get("session_id") == "" {
		req.Header.Set("session_id", uuid.NewString())
	}
	if req.Header.Get("conversation_id") == "" {
		req.Header.Set("conversation_id", req.Header.Get("session_id"))
	}
	return nil
}

// doWithRetry sends the request, resubmitting on 429 up to the attempt
// ceiling. Only throttling is retried; errors and every other status return
// as-is.
func (t *Transport) doWithRetry(req *http.Request, body []byte) (*http.Response, error) {
	maxAttempts := t.RetryMax
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		cloned := req.Clone(req.Context())
		if body != nil {
			cloned.Body = io.NopCloser(bytes.NewReader(body))
			cloned.ContentLength = int64(len(body))
		}

		resp, err := t.base().RoundTrip(cloned)
		if err != nil {
			return nil, err
		}
		t.Limits.RecordFromResponse(resp.Header)

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= maxAttempts {
			return resp, nil
		}

		wait := t.retryWait(attempt, resp.Header)
		// Discard the rejected response before retrying; leaking its body
		// would hold the connection.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		t.Telemetry.RetryWait(attempt, wait)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
}

// retryWait picks the backoff for one throttled attempt: the server's
// Retry-After hint when parseable (seconds or HTTP date), else exponential
// backoff clamped to the configured maximum.
func (t *Transport) retryWait(attempt int, headers http.Header) time.Duration {
	baseWait := t.RetryBaseWait
	if baseWait <= 0 {
		baseWait = time.Second
	}
	maxWait := t.RetryMaxWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	if hint := strings.TrimSpace(headers.Get("Retry-After")); hint != "" {
		if secs, err := strconv.Atoi(hint); err == nil && secs >= 0 {
			return clamp(time.Duration(secs)*time.Second, maxWait)
		}
		if at, err := http.ParseTime(hint); err == nil {
			if d := time.Until(at); d > 0 {
				return clamp(d, maxWait)
			}
		}
	}

	return clamp(baseWait<<(attempt-1), maxWait)
}

func clamp(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}
