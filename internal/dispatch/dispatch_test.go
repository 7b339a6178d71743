package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codexlocal/go-codexshim/internal/normalize"
	"github.com/codexlocal/go-codexshim/internal/overlay"
	"github.com/codexlocal/go-codexshim/internal/state"
)

// captureTransport records the final outbound request body instead of
// performing a network call.
type captureTransport struct {
	body   []byte
	header http.Header
}

func (ct *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		ct.body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	ct.header = req.Header.Clone()
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("{}")),
		Request:    req,
	}, nil
}

func newInterceptor(next http.RoundTripper, states *state.Map) *Interceptor {
	return &Interceptor{
		Next:         next,
		States:       states,
		Instructions: normalize.NewInstructionsCache(),
		Options: normalize.Options{
			TargetModelPrefix:    "gpt-5",
			FallbackInstructions: "fallback",
		},
		PathSuffix: "/responses",
	}
}

func post(t *testing.T, rt http.RoundTripper, path, body string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://upstream.example"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()
}

func TestInterceptorRewritesTargetedPayload(t *testing.T) {
	states := state.NewMap(time.Minute, 10)
	defer states.Close()
	capture := &captureTransport{}
	ic := newInterceptor(capture, states)

	post(t, ic, "/v1/responses", `{
		"model": "gpt-5.1",
		"instructions": "sys",
		"store": true,
		"previous_response_id": "resp_1",
		"input": [{"type": "message", "role": "user", "content": "hi"}]
	}`)

	out := capture.body
	if gjson.GetBytes(out, "store").Bool() {
		t.Errorf("store not forced off: %s", out)
	}
	if gjson.GetBytes(out, "previous_response_id").Exists() {
		t.Errorf("previous_response_id survived: %s", out)
	}
	if !strings.Contains(string(out), overlay.Marker) {
		t.Errorf("overlay notice missing: %s", out)
	}
	if gjson.GetBytes(out, "include.0").String() != normalize.EncryptedReasoningInclude {
		t.Errorf("include = %s", gjson.GetBytes(out, "include").Raw)
	}
}

func TestInterceptorPassThroughIsBitForBit(t *testing.T) {
	states := state.NewMap(time.Minute, 10)
	defer states.Close()
	capture := &captureTransport{}
	ic := newInterceptor(capture, states)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"other model", "/v1/responses", `{"model": "claude-sonnet-4", "store": true}`},
		{"other path", "/v1/chat/completions", `{"model": "gpt-5.1"}`},
		{"invalid json", "/v1/responses", `{"model": "gpt-5.1",`},
		{"non-object", "/v1/responses", `"just a string"`},
	}
	for _, tt := range tests {
		post(t, ic, tt.path, tt.body)
		if string(capture.body) != tt.body {
			t.Errorf("%s: body altered:\n got %q\nwant %q", tt.name, capture.body, tt.body)
		}
	}
}

func TestInterceptorSkipsNonPost(t *testing.T) {
	states := state.NewMap(time.Minute, 10)
	defer states.Close()
	capture := &captureTransport{}
	ic := newInterceptor(capture, states)

	req, _ := http.NewRequest(http.MethodGet, "https://upstream.example/v1/responses", nil)
	resp, err := ic.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()
}

func TestInterceptorUnchangedBodyForwardedVerbatim(t *testing.T) {
	states := state.NewMap(time.Minute, 10)
	defer states.Close()
	capture := &captureTransport{}
	ic := newInterceptor(capture, states)

	// Prime conversation state so the overlay has nothing left to add.
	body := `{"model": "gpt-5.1", "instructions": "sys", "store": false, "parallel_tool_calls": false, "include": ["reasoning.encrypted_content"], "prompt_cache_key": "conv-X", "input": [{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "` + overlay.Marker + ` primed"}]}]}`
	post(t, ic, "/v1/responses", body)
	if string(capture.body) != body {
		t.Errorf("fully normalized body was re-encoded:\n got %q\nwant %q", capture.body, body)
	}
}

func TestInterceptorConversationStateSticks(t *testing.T) {
	states := state.NewMap(time.Minute, 10)
	defer states.Close()
	capture := &captureTransport{}
	ic := newInterceptor(capture, states)

	body := `{"model": "gpt-5.1", "instructions": "sys", "prompt_cache_key": "conv-1", "input": [{"type": "message", "role": "user", "content": "hi"}]}`
	post(t, ic, "/v1/responses", body)
	if n := strings.Count(string(capture.body), overlay.Marker); n != 1 {
		t.Fatalf("first request marker count = %d", n)
	}

	// Same conversation again: no second injection.
	post(t, ic, "/v1/responses", body)
	if strings.Contains(string(capture.body), overlay.Marker) {
		t.Errorf("overlay re-injected: %s", capture.body)
	}
}

func TestInterceptorEndToEndOverHTTP(t *testing.T) {
	var received []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"id":"resp_1"}`))
	}))
	defer upstream.Close()

	states := state.NewMap(time.Minute, 10)
	defer states.Close()
	ic := newInterceptor(http.DefaultTransport, states)

	client := &Client{Transport: ic}
	resp, err := client.Do(context.Background(), upstream.URL+"/v1/responses", &RequestInit{
		Method: http.MethodPost,
		Body:   strings.NewReader(`{"model": "gpt-5.1", "store": true, "input": []}`),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if gjson.GetBytes(received, "store").Bool() {
		t.Errorf("upstream saw store=true: %s", received)
	}
	if gjson.GetBytes(received, "instructions").String() != "fallback" {
		t.Errorf("instructions = %s", received)
	}
}

func TestClientTargets(t *testing.T) {
	capture := &captureTransport{}
	client := &Client{
		Transport:  capture,
		BaseHeader: http.Header{"X-Base": []string{"1"}},
	}

	u, _ := url.Parse("https://upstream.example/v1/responses")
	targets := []any{
		"https://upstream.example/v1/responses",
		u,
		func() *http.Request {
			req, _ := http.NewRequest(http.MethodPost, "https://upstream.example/v1/responses", nil)
			return req
		}(),
	}
	for i, target := range targets {
		resp, err := client.Do(context.Background(), target, &RequestInit{
			Method: http.MethodPost,
			Header: http.Header{"X-Call": []string{"yes"}},
			Body:   bytes.NewReader([]byte(`{}`)),
		})
		if err != nil {
			t.Fatalf("target %d: %v", i, err)
		}
		resp.Body.Close()
		if capture.header.Get("X-Base") != "1" || capture.header.Get("X-Call") != "yes" {
			t.Errorf("target %d: headers = %v", i, capture.header)
		}
	}

	if _, err := client.Do(context.Background(), 42, nil); err == nil {
		t.Error("unsupported target accepted")
	}
}

func TestClientRequestHeadersWinOverInit(t *testing.T) {
	capture := &captureTransport{}
	client := &Client{Transport: capture}

	req, _ := http.NewRequest(http.MethodPost, "https://upstream.example/v1/responses", nil)
	req.Header.Set("Authorization", "Bearer request")
	resp, err := client.Do(context.Background(), req, &RequestInit{
		Header: http.Header{"Authorization": []string{"Bearer init"}},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if got := capture.header.Get("Authorization"); got != "Bearer request" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestMergeHeaders(t *testing.T) {
	base := http.Header{"Authorization": []string{"Bearer base"}, "Accept": []string{"*/*"}}
	over := http.Header{"authorization": []string{"Bearer override"}}

	merged := MergeHeaders(base, over)
	if got := merged.Get("Authorization"); got != "Bearer override" {
		t.Errorf("Authorization = %q", got)
	}
	if got := merged.Values("Authorization"); len(got) != 1 {
		t.Errorf("values not replaced wholesale: %v", got)
	}
	if merged.Get("Accept") != "*/*" {
		t.Error("untouched key lost")
	}
}
