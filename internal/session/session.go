// Package session derives the key that scopes per-conversation state.
package session

import (
	"strings"

	"github.com/google/uuid"

	"github.com/codexlocal/go-codexshim/internal/payload"
)

// processKey is the fallback conversation key for clients that never send a
// cache key. It is minted once per process, so such clients share a single
// conversation for the lifetime of the process and start fresh after a
// restart.
var processKey = uuid.NewString()

// ConversationKey returns the key that scopes overlay state for a request:
// the payload's prompt cache key when present, else the process-lifetime
// fallback.
func ConversationKey(p *payload.Payload) string {
	if key := strings.TrimSpace(p.PromptCacheKey); key != "" {
		return key
	}
	return processKey
}
