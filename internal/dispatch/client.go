package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// RequestInit carries the optional per-call settings of the host transport's
// call primitive.
type RequestInit struct {
	Method string
	Header http.Header
	Body   io.Reader
}

// Client adapts the host transport boundary: one "perform HTTP call"
// primitive that accepts a URL string, a parsed URL, or a pre-built request,
// plus an optional init. Calls the interceptor declines to rewrite behave
// exactly as if they had gone to the underlying transport directly.
type Client struct {
	Transport http.RoundTripper
	// BaseHeader is applied to every call; per-call headers win on conflict.
	BaseHeader http.Header
}

// Do performs one call. target must be a string, *url.URL, or *http.Request.
func (c *Client) Do(ctx context.Context, target any, init *RequestInit) (*http.Response, error) {
	req, err := c.buildRequest(ctx, target, init)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: c.Transport}
	return client.Do(req)
}

func (c *Client) buildRequest(ctx context.Context, target any, init *RequestInit) (*http.Request, error) {
	method := http.MethodGet
	var body io.Reader
	var header http.Header

	if init != nil {
		if init.Method != "" {
			method = init.Method
		}
		body = init.Body
		header = init.Header
	}

	switch v := target.(type) {
	case string:
		req, err := http.NewRequestWithContext(ctx, method, v, body)
		if err != nil {
			return nil, err
		}
		req.Header = MergeHeaders(c.BaseHeader, header)
		return req, nil
	case *url.URL:
		req, err := http.NewRequestWithContext(ctx, method, v.String(), body)
		if err != nil {
			return nil, err
		}
		req.Header = MergeHeaders(c.BaseHeader, header)
		return req, nil
	case *http.Request:
		req := v.Clone(ctx)
		if init != nil && init.Method != "" {
			req.Method = init.Method
		}
		if body != nil {
			req.Body = io.NopCloser(body)
			req.ContentLength = -1
		}
		// Headers already on the request win over init-supplied ones.
		req.Header = MergeHeaders(c.BaseHeader, header, req.Header)
		return req, nil
	default:
		return nil, fmt.Errorf("unsupported request target %T", target)
	}
}

// MergeHeaders rebuilds header sets into one case-insensitive map. Later
// arguments win per key; within a key the last writer's values replace
// earlier ones wholesale.
func MergeHeaders(layers ...http.Header) http.Header {
	out := make(http.Header)
	for _, layer := range layers {
		for key, values := range layer {
			canonical := http.CanonicalHeaderKey(key)
			out.Del(canonical)
			for _, v := range values {
				out.Add(canonical, v)
			}
		}
	}
	return out
}
