// Package reconcile rebuilds referential integrity of a flat transcript.
//
// Clients written against a stateful upstream reference tool calls that only
// the server remembers. Before a transcript can be replayed against a
// stateless gateway, every tool output must point at a tool call present in
// the same transcript, and no server-issued item identifier may survive.
package reconcile

import (
	"fmt"

	"github.com/codexlocal/go-codexshim/internal/payload"
)

// callSet tracks call identifiers per invocation kind. The three kinds are
// collected independently; lookups consult all of them, first match wins.
type callSet struct {
	function map[string]struct{}
	shell    map[string]struct{}
	custom   map[string]struct{}
}

func newCallSet() *callSet {
	return &callSet{
		function: make(map[string]struct{}),
		shell:    make(map[string]struct{}),
		custom:   make(map[string]struct{}),
	}
}

func (s *callSet) add(kind, callID string) {
	if callID == "" {
		return
	}
	switch kind {
	case payload.KindFunctionCall:
		s.function[callID] = struct{}{}
	case payload.KindLocalShellCall:
		s.shell[callID] = struct{}{}
	case payload.KindCustomToolCall:
		s.custom[callID] = struct{}{}
	}
}

func (s *callSet) has(callID string) bool {
	if callID == "" {
		return false
	}
	if _, ok := s.function[callID]; ok {
		return true
	}
	if _, ok := s.shell[callID]; ok {
		return true
	}
	_, ok := s.custom[callID]
	return ok
}

// Reconcile rewrites the transcript so it is referentially self-contained:
// orphaned tool outputs are demoted to plain messages, back-reference items
// are removed, and persisted item identifiers are stripped. Call identifiers
// are untouched. The returned flag reports whether anything changed; when it
// is false the input slice is returned as-is.
func Reconcile(items []payload.Item) ([]payload.Item, bool) {
	calls := newCallSet()
	for i := range items {
		it := &items[i]
		if it.IsCall() {
			calls.add(it.Type, it.CallID)
		}
		for j := range it.Content.Blocks {
			b := &it.Content.Blocks[j]
			if b.IsCall() {
				calls.add(b.Type, b.CallID)
			}
		}
	}

	changed := false
	out := make([]payload.Item, 0, len(items))
	var demoted []payload.Item

	for i := range items {
		it := items[i]

		if it.Type == payload.KindItemReference {
			changed = true
			continue
		}

		if it.IsCallOutput() && !calls.has(it.CallID) {
			demoted = append(demoted, demoteOutput(it.CallID, it.OutputText()))
			changed = true
			continue
		}

		if it.Content.Blocks != nil {
			kept := make([]payload.Block, 0, len(it.Content.Blocks))
			for _, b := range it.Content.Blocks {
				switch {
				case b.Type == payload.KindItemReference:
					changed = true
				case b.IsCallOutput() && !calls.has(b.CallID):
					demoted = append(demoted, demoteOutput(b.CallID, b.OutputText()))
					changed = true
				default:
					if b.ID != "" {
						b.ID = ""
						changed = true
					}
					kept = append(kept, b)
				}
			}
			it.Content.Blocks = kept
		}

		if it.ID != "" {
			it.ID = ""
			changed = true
		}

		if it.Role != "" && it.Content.Blocks != nil && len(it.Content.Blocks) == 0 {
			changed = true
			continue
		}
		if it.IsEmpty() {
			changed = true
			continue
		}

		out = append(out, it)
	}

	out = append(out, demoted...)
	if !changed {
		return items, false
	}
	return out, true
}

// demoteOutput rewrites an orphaned tool output as a plain assistant message.
// The full output text is kept untruncated; trimming history is the client's
// job, not this layer's.
func demoteOutput(callID, text string) payload.Item {
	body := fmt.Sprintf("Tool output (call_id=%s):\n\n%s", callID, text)
	return payload.Item{
		Type:    payload.KindMessage,
		Role:    "assistant",
		Content: payload.Content{Blocks: []payload.Block{payload.TextBlock("output_text", body)}},
	}
}
