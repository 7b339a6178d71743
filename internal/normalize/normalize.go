// Package normalize enforces the gateway's fixed field constraints on an
// outbound payload.
//
// The rules only fire for models behind the targeted gateway; payloads for
// unrelated providers pass through untouched. Every rule is independently
// idempotent, so running the normalizer twice never produces a second change.
package normalize

import (
	"strings"
	"sync"

	"github.com/codexlocal/go-codexshim/internal/payload"
)

// EncryptedReasoningInclude is the capability marker the gateway requires in
// the include list.
const EncryptedReasoningInclude = "reasoning.encrypted_content"

// Options configures the normalizer.
type Options struct {
	// TargetModelPrefix gates all rules: only models with this prefix are
	// touched.
	TargetModelPrefix string
	// FallbackInstructions is used when the client sent no instructions and
	// none have been recorded for the model.
	FallbackInstructions string
	// StripCacheKey removes prompt_cache_key from the payload. Off by
	// default; the cache key doubles as the conversation key.
	StripCacheKey bool
}

// InstructionsCache remembers the last authoritative instructions string seen
// per model, so later requests that arrive without instructions can be
// repaired with the real thing instead of the generic fallback. In-memory
// only, process lifetime.
type InstructionsCache struct {
	mu      sync.Mutex
	byModel map[string]string
}

// NewInstructionsCache creates an empty cache.
func NewInstructionsCache() *InstructionsCache {
	return &InstructionsCache{byModel: make(map[string]string)}
}

// Record stores a non-blank instructions string for the model.
func (c *InstructionsCache) Record(model, instructions string) {
	if strings.TrimSpace(instructions) == "" || model == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byModel[model] = instructions
}

// Lookup returns the recorded instructions for the model, if any.
func (c *InstructionsCache) Lookup(model string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byModel[model]
	return s, ok
}

// Apply enforces the gateway constraints in place and reports whether the
// payload changed.
func Apply(p *payload.Payload, opts Options, cache *InstructionsCache) bool {
	if !strings.HasPrefix(p.Model, opts.TargetModelPrefix) {
		return false
	}

	changed := false

	// The stateless gateway rejects store=true outright.
	if p.Store == nil || *p.Store {
		f := false
		p.Store = &f
		changed = true
	}

	// previous_response_id is the stateful continuation handle; its contract
	// cannot be honored statelessly.
	if p.PreviousResponseID != "" {
		p.PreviousResponseID = ""
		changed = true
	}

	if strings.TrimSpace(p.Instructions) != "" {
		if cache != nil {
			cache.Record(p.Model, p.Instructions)
		}
	} else {
		repaired := opts.FallbackInstructions
		if cache != nil {
			if recorded, ok := cache.Lookup(p.Model); ok {
				repaired = recorded
			}
		}
		p.SetInstructions(repaired)
		changed = true
	}

	// The gateway defaults parallel_tool_calls to true; the clients this
	// layer serves expect false.
	if p.ParallelToolCalls == nil {
		f := false
		p.ParallelToolCalls = &f
		changed = true
	}

	if include, ok := ensureInclude(p.Include); ok {
		p.Include = include
		changed = true
	}

	if len(p.MaxOutputTokens) > 0 || len(p.MaxTokens) > 0 || len(p.MaxCompletionTokens) > 0 {
		p.MaxOutputTokens = nil
		p.MaxTokens = nil
		p.MaxCompletionTokens = nil
		changed = true
	}

	if opts.StripCacheKey && p.PromptCacheKey != "" {
		p.PromptCacheKey = ""
		changed = true
	}

	return changed
}

func ensureInclude(include []string) ([]string, bool) {
	if include == nil {
		return []string{EncryptedReasoningInclude}, true
	}
	for _, v := range include {
		if v == EncryptedReasoningInclude {
			return nil, false
		}
	}
	return append(include, EncryptedReasoningInclude), true
}
