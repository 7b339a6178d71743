// Package dispatch is the interception point: it decides per request whether
// the normalization pipeline runs or the call passes through untouched.
package dispatch

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/codexlocal/go-codexshim/internal/normalize"
	"github.com/codexlocal/go-codexshim/internal/overlay"
	"github.com/codexlocal/go-codexshim/internal/payload"
	"github.com/codexlocal/go-codexshim/internal/reconcile"
	"github.com/codexlocal/go-codexshim/internal/session"
	"github.com/codexlocal/go-codexshim/internal/state"
	"github.com/codexlocal/go-codexshim/internal/telemetry"
)

// Interceptor rewrites matching requests before handing them to Next. It
// implements http.RoundTripper so it can sit in any client's transport chain.
//
// A request is intercepted only when all of these hold: mutating verb, path
// ends with the recognized endpoint suffix, body parses as JSON, and the
// model matches the targeted prefix. Anything else is forwarded with its
// body bit-for-bit intact. Malformed bodies are never an error here; the
// upstream is the authority on rejecting them.
type Interceptor struct {
	Next         http.RoundTripper
	States       *state.Map
	Instructions *normalize.InstructionsCache
	Options      normalize.Options
	PathSuffix   string
	Telemetry    *telemetry.Tracker
}

func (ic *Interceptor) next() http.RoundTripper {
	if ic.Next != nil {
		return ic.Next
	}
	return http.DefaultTransport
}

func (ic *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || !strings.HasSuffix(req.URL.Path, ic.PathSuffix) || req.Body == nil {
		ic.Telemetry.Passthrough(req.Method, req.URL.Path, "shape mismatch")
		return ic.next().RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}

	rewritten, ok := ic.rewrite(body)
	if !ok {
		rewritten = body
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(rewritten))
	out.ContentLength = int64(len(rewritten))
	return ic.next().RoundTrip(out)
}

// rewrite runs the pipeline over one body. It returns ok=false when the body
// must be forwarded unmodified: not a targeted payload, undecodable, or
// simply unchanged (re-encoding an unchanged body would only disturb its
// bytes).
func (ic *Interceptor) rewrite(body []byte) ([]byte, bool) {
	if !gjson.ValidBytes(body) {
		ic.Telemetry.Passthrough(http.MethodPost, ic.PathSuffix, "body is not JSON")
		return nil, false
	}
	if !strings.HasPrefix(gjson.GetBytes(body, "model").String(), ic.Options.TargetModelPrefix) {
		ic.Telemetry.Passthrough(http.MethodPost, ic.PathSuffix, "untargeted model")
		return nil, false
	}

	p, err := payload.Decode(body)
	if err != nil {
		ic.Telemetry.Passthrough(http.MethodPost, ic.PathSuffix, "payload decode failed")
		return nil, false
	}

	normalized := normalize.Apply(p, ic.Options, ic.Instructions)

	items, reconciled := reconcile.Reconcile(p.Input)
	p.Input = items

	key := session.ConversationKey(p)
	conv := ic.States.Get(key)
	items, res := overlay.Apply(p.Input, p.ToolNames(), &conv)
	p.Input = items
	ic.States.Put(key, conv)
	if res.DriftDetected {
		ic.Telemetry.DriftDetected(res.AttemptedName, conv.Strike)
	}

	if !normalized && !reconciled && !res.Changed {
		return nil, false
	}

	encoded, err := p.Encode()
	if err != nil {
		ic.Telemetry.Error("payload encode", err)
		return nil, false
	}
	ic.Telemetry.Intercepted(p.Model, normalized, reconciled, res.Changed, len(p.Input))
	return encoded, true
}
