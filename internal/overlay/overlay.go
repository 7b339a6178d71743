// Package overlay detects capability drift and corrects the model's belief
// about the available tool set.
//
// Drift means the model tried to call a tool name the host never declared,
// usually because it was trained against a different client's tool
// vocabulary. The host reports this back as tool-output text ("unknown tool
// 'x'"), which we spot with a fixed set of phrasings and answer with
// corrective guidance injected into the transcript. The phrase matching is
// deliberately loose and can misfire on ordinary prose that quotes these
// phrases; that looseness is accepted rather than papered over.
package overlay

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/codexlocal/go-codexshim/internal/payload"
	"github.com/codexlocal/go-codexshim/internal/state"
)

// Marker tags every injected notice. Text that already carries the marker is
// never scanned or mutated again, which keeps injection idempotent across
// request replays.
const Marker = "[tool-schema-guidance]"

// driftRe matches the known "unknown tool" failure phrasings, optionally
// followed by the attempted tool name in single, double, or back quotes.
var driftRe = regexp.MustCompile(
	`(?i)(?:unknown tool|tool not found|no such tool|unrecognized tool|unknown function|invalid tool)` +
		`[:\s]*(?:['"` + "`" + `]([A-Za-z0-9_.\-]+)['"` + "`" + `])?`)

// Result reports what Apply did to a transcript.
type Result struct {
	Changed       bool
	DriftDetected bool
	AttemptedName string
}

// Apply runs drift detection and overlay injection over one outbound
// transcript. conv is the caller's per-conversation snapshot; it is updated
// in place regardless of whether the transcript changed.
func Apply(items []payload.Item, liveTools []string, conv *state.Conversation) ([]payload.Item, Result) {
	var res Result

	for i := range items {
		it := &items[i]
		text, ok := scannableText(it)
		if !ok || strings.Contains(text, Marker) {
			continue
		}
		m := driftRe.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if !res.DriftDetected {
			res.DriftDetected = true
			res.AttemptedName = m[1]
			conv.AddStrike()
		}
		appendToText(it, escalatedNotice(m[1], liveTools))
		res.Changed = true
	}
	if !res.DriftDetected {
		// Strikes count consecutive drift detections; a clean request
		// breaks the run.
		conv.Strike = 0
	}

	if !conv.Injected {
		if transcriptHasMarker(items) {
			// The host's own context compaction can replay a transcript that
			// already carries the notice; record it instead of re-injecting.
			conv.Injected = true
		} else {
			items = append([]payload.Item{compactItem()}, items...)
			conv.Injected = true
			res.Changed = true
		}
	}

	return items, res
}

// scannableText returns the text of items that plausibly carry tool-output
// content: tool-output items themselves, and assistant- or tool-role messages
// that may relay one. The upstream format conflates these shapes, so this is
// a role/kind heuristic rather than structural typing.
func scannableText(it *payload.Item) (string, bool) {
	if it.IsCallOutput() {
		return it.OutputText(), true
	}
	if it.Type == payload.KindMessage && (it.Role == "assistant" || it.Role == "tool") {
		return it.Content.Text(), true
	}
	return "", false
}

// appendToText rides the notice along with the exact content the model will
// read next: tool outputs get it appended to their output payload, messages
// to their trailing text.
func appendToText(it *payload.Item, notice string) {
	if it.IsCallOutput() {
		it.SetOutputText(it.OutputText() + notice)
		return
	}
	if it.Content.Str != nil {
		s := *it.Content.Str + notice
		it.Content.Str = &s
		return
	}
	for i := len(it.Content.Blocks) - 1; i >= 0; i-- {
		b := &it.Content.Blocks[i]
		if b.Text != "" || b.Type == "text" || b.Type == "input_text" || b.Type == "output_text" {
			b.Text += notice
			return
		}
	}
	it.Content.Blocks = append(it.Content.Blocks, payload.TextBlock("output_text", notice))
}

func transcriptHasMarker(items []payload.Item) bool {
	for i := range items {
		it := &items[i]
		if strings.Contains(it.Content.Text(), Marker) || strings.Contains(it.OutputText(), Marker) {
			return true
		}
	}
	return false
}

// compactItem builds the once-per-conversation leading notice.
func compactItem() payload.Item {
	var sb strings.Builder
	sb.WriteString(Marker)
	sb.WriteString(" Tool names must match the tool schema declared in this request exactly.")
	sb.WriteString(" Never call a tool that is not declared. If you know these tools under different names, use the equivalents:")
	for _, pair := range foreignEquivalents {
		fmt.Fprintf(&sb, "\n- %s: use %s", pair[0], pair[1])
	}
	return payload.Item{
		Type:    payload.KindMessage,
		Role:    "user",
		Content: payload.Content{Blocks: []payload.Block{payload.TextBlock("input_text", sb.String())}},
	}
}

// escalatedNotice builds the corrective text appended to an offending tool
// output.
func escalatedNotice(attempted string, liveTools []string) string {
	var sb strings.Builder
	sb.WriteString("\n\n")
	sb.WriteString(Marker)
	sb.WriteString(" The tool name you attempted does not exist in this session.")
	sb.WriteString(" Only the tools declared in the current request can be called.")
	if cands := Candidates(attempted, liveTools); len(cands) > 0 {
		sb.WriteString(" Closest declared tools: ")
		sb.WriteString(strings.Join(cands, ", "))
		sb.WriteString(".")
	} else {
		sb.WriteString(" Check the declared tool list and retry with an exact name.")
	}
	return sb.String()
}
