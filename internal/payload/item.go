package payload

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Item kinds understood by the normalizer. Anything else is preserved verbatim.
const (
	KindMessage              = "message"
	KindFunctionCall         = "function_call"
	KindFunctionCallOutput   = "function_call_output"
	KindLocalShellCall       = "local_shell_call"
	KindLocalShellCallOutput = "local_shell_call_output"
	KindCustomToolCall       = "custom_tool_call"
	KindCustomToolCallOutput = "custom_tool_call_output"
	// KindItemReference points at a server-held item and can never be
	// resolved by a stateless upstream.
	KindItemReference = "item_reference"
)

// Item is a single transcript entry. It uses a flat discriminated union
// pattern: Type determines which fields are relevant. Fields this layer does
// not model are captured in Extra and round-trip untouched.
type Item struct {
	Type      string
	Role      string
	ID        string
	CallID    string
	Name      string
	Status    string
	Arguments json.RawMessage
	Output    json.RawMessage
	Content   Content
	Extra     map[string]json.RawMessage
}

// IsCall reports whether the item introduces a tool call identifier.
func (it *Item) IsCall() bool {
	switch it.Type {
	case KindFunctionCall, KindLocalShellCall, KindCustomToolCall:
		return true
	}
	return false
}

// IsCallOutput reports whether the item answers a tool call identifier.
func (it *Item) IsCallOutput() bool {
	switch it.Type {
	case KindFunctionCallOutput, KindLocalShellCallOutput, KindCustomToolCallOutput:
		return true
	}
	return false
}

// IsEmpty reports whether nothing meaningful is left in the item.
func (it *Item) IsEmpty() bool {
	return it.Type == "" && it.Role == "" && it.ID == "" && it.CallID == "" &&
		it.Name == "" && it.Status == "" && len(it.Arguments) == 0 &&
		len(it.Output) == 0 && it.Content.IsZero() && len(it.Extra) == 0
}

// OutputText extracts the human-readable text of a tool output payload.
// Outputs arrive either as a bare string, as a list of content blocks, or as
// arbitrary JSON; the last case is returned as compact JSON text.
func (it *Item) OutputText() string {
	return rawToText(it.Output)
}

// SetOutputText replaces the output payload with a bare string.
func (it *Item) SetOutputText(text string) {
	b, _ := json.Marshal(text)
	it.Output = b
}

func (it *Item) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		var err error
		switch key {
		case "type":
			err = json.Unmarshal(val, &it.Type)
		case "role":
			err = json.Unmarshal(val, &it.Role)
		case "id":
			err = json.Unmarshal(val, &it.ID)
		case "call_id":
			err = json.Unmarshal(val, &it.CallID)
		case "name":
			err = json.Unmarshal(val, &it.Name)
		case "status":
			err = json.Unmarshal(val, &it.Status)
		case "arguments":
			it.Arguments = cloneRaw(val)
		case "output":
			it.Output = cloneRaw(val)
		case "content":
			err = it.Content.UnmarshalJSON(val)
		default:
			if it.Extra == nil {
				it.Extra = make(map[string]json.RawMessage)
			}
			it.Extra[key] = cloneRaw(val)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (it Item) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(it.Extra)+8)
	for k, v := range it.Extra {
		out[k] = v
	}
	putString(out, "type", it.Type)
	putString(out, "role", it.Role)
	putString(out, "id", it.ID)
	putString(out, "call_id", it.CallID)
	putString(out, "name", it.Name)
	putString(out, "status", it.Status)
	if len(it.Arguments) > 0 {
		out["arguments"] = it.Arguments
	}
	if len(it.Output) > 0 {
		out["output"] = it.Output
	}
	if !it.Content.IsZero() {
		b, err := it.Content.MarshalJSON()
		if err != nil {
			return nil, err
		}
		out["content"] = b
	}
	return json.Marshal(out)
}

// Content is either a bare string or an ordered list of blocks.
type Content struct {
	Str    *string
	Blocks []Block
}

// IsZero reports whether the content field was absent.
func (c *Content) IsZero() bool {
	return c.Str == nil && c.Blocks == nil
}

// Text flattens the content to plain text.
func (c *Content) Text() string {
	if c.Str != nil {
		return *c.Str
	}
	var parts []string
	for _, b := range c.Blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		c.Str = &s
		return nil
	}
	var blocks []Block
	if err := json.Unmarshal(trimmed, &blocks); err != nil {
		return err
	}
	if blocks == nil {
		blocks = []Block{}
	}
	c.Blocks = blocks
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Str != nil {
		return json.Marshal(*c.Str)
	}
	return json.Marshal(c.Blocks)
}

// Block is one content entry inside a message item: text, or a nested
// tool-invocation/tool-output block sharing the item field vocabulary.
type Block struct {
	Type   string
	Text   string
	ID     string
	CallID string
	Name   string
	Output json.RawMessage
	Extra  map[string]json.RawMessage
}

// IsCall reports whether the block introduces a tool call identifier.
func (b *Block) IsCall() bool {
	switch b.Type {
	case KindFunctionCall, KindLocalShellCall, KindCustomToolCall:
		return true
	}
	return false
}

// IsCallOutput reports whether the block answers a tool call identifier.
func (b *Block) IsCallOutput() bool {
	switch b.Type {
	case KindFunctionCallOutput, KindLocalShellCallOutput, KindCustomToolCallOutput:
		return true
	}
	return false
}

// OutputText extracts the readable text of a tool-output block.
func (b *Block) OutputText() string {
	if b.Text != "" {
		return b.Text
	}
	return rawToText(b.Output)
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		var err error
		switch key {
		case "type":
			err = json.Unmarshal(val, &b.Type)
		case "text":
			err = json.Unmarshal(val, &b.Text)
		case "id":
			err = json.Unmarshal(val, &b.ID)
		case "call_id":
			err = json.Unmarshal(val, &b.CallID)
		case "name":
			err = json.Unmarshal(val, &b.Name)
		case "output":
			b.Output = cloneRaw(val)
		default:
			if b.Extra == nil {
				b.Extra = make(map[string]json.RawMessage)
			}
			b.Extra[key] = cloneRaw(val)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b Block) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.Extra)+6)
	for k, v := range b.Extra {
		out[k] = v
	}
	putString(out, "type", b.Type)
	putString(out, "id", b.ID)
	putString(out, "call_id", b.CallID)
	putString(out, "name", b.Name)
	if b.Text != "" || b.Type == "text" || b.Type == "input_text" || b.Type == "output_text" {
		t, _ := json.Marshal(b.Text)
		out["text"] = t
	}
	if len(b.Output) > 0 {
		out["output"] = b.Output
	}
	return json.Marshal(out)
}

// TextBlock builds a plain text block with the given type tag.
func TextBlock(typ, text string) Block {
	return Block{Type: typ, Text: text}
}

func putString(out map[string]json.RawMessage, key, val string) {
	if val == "" {
		return
	}
	b, _ := json.Marshal(val)
	out[key] = b
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}

// rawToText renders a raw JSON output value as readable text: bare strings
// decode to themselves, block lists concatenate their text fields, and
// anything else stays compact JSON.
func rawToText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	if trimmed[0] == '[' {
		var blocks []Block
		if err := json.Unmarshal(trimmed, &blocks); err == nil {
			var parts []string
			for _, b := range blocks {
				if t := b.OutputText(); t != "" {
					parts = append(parts, t)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
	}
	return string(trimmed)
}
