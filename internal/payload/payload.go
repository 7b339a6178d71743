// Package payload decodes and re-encodes Responses API request bodies.
//
// The codec is deliberately lossless: every field the normalizer does not
// model is kept as raw JSON and written back unchanged, so the layer can sit
// in front of an evolving upstream schema without eating fields it has never
// heard of. All functions here are pure; decoding a body and encoding it
// again yields a semantically identical document.
package payload

import (
	"encoding/json"
)

// Payload is the decoded request body for a Responses API call.
type Payload struct {
	Model              string
	Instructions       string
	Input              []Item
	Tools              []Tool
	Store              *bool
	PreviousResponseID string
	ParallelToolCalls  *bool
	Include            []string
	PromptCacheKey     string

	// Token-limit spellings are tracked only for presence; the gateway
	// rejects all of them.
	MaxOutputTokens     json.RawMessage
	MaxTokens           json.RawMessage
	MaxCompletionTokens json.RawMessage

	Extra map[string]json.RawMessage

	hasInstructions bool
}

// HasInstructions reports whether the instructions field was present in the
// decoded body, even if blank.
func (p *Payload) HasInstructions() bool { return p.hasInstructions }

// SetInstructions sets the instructions field and marks it present.
func (p *Payload) SetInstructions(s string) {
	p.Instructions = s
	p.hasInstructions = true
}

// ToolNames returns the declared tool names in declaration order.
func (p *Payload) ToolNames() []string {
	names := make([]string, 0, len(p.Tools))
	for _, t := range p.Tools {
		if t.Name != "" {
			names = append(names, t.Name)
		}
	}
	return names
}

// Decode parses a request body. Unknown fields survive in Extra.
func Decode(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode serializes the payload back to JSON.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		var err error
		switch key {
		case "model":
			err = json.Unmarshal(val, &p.Model)
		case "instructions":
			err = json.Unmarshal(val, &p.Instructions)
			p.hasInstructions = true
		case "input":
			err = json.Unmarshal(val, &p.Input)
		case "tools":
			err = json.Unmarshal(val, &p.Tools)
		case "store":
			err = json.Unmarshal(val, &p.Store)
		case "previous_response_id":
			err = json.Unmarshal(val, &p.PreviousResponseID)
		case "parallel_tool_calls":
			err = json.Unmarshal(val, &p.ParallelToolCalls)
		case "include":
			err = json.Unmarshal(val, &p.Include)
		case "prompt_cache_key":
			err = json.Unmarshal(val, &p.PromptCacheKey)
		case "max_output_tokens":
			p.MaxOutputTokens = cloneRaw(val)
		case "max_tokens":
			p.MaxTokens = cloneRaw(val)
		case "max_completion_tokens":
			p.MaxCompletionTokens = cloneRaw(val)
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]json.RawMessage)
			}
			p.Extra[key] = cloneRaw(val)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Extra)+12)
	for k, v := range p.Extra {
		out[k] = v
	}
	putString(out, "model", p.Model)
	if p.hasInstructions {
		b, _ := json.Marshal(p.Instructions)
		out["instructions"] = b
	}
	if p.Input != nil {
		b, err := json.Marshal(p.Input)
		if err != nil {
			return nil, err
		}
		out["input"] = b
	}
	if p.Tools != nil {
		b, err := json.Marshal(p.Tools)
		if err != nil {
			return nil, err
		}
		out["tools"] = b
	}
	if p.Store != nil {
		b, _ := json.Marshal(*p.Store)
		out["store"] = b
	}
	putString(out, "previous_response_id", p.PreviousResponseID)
	if p.ParallelToolCalls != nil {
		b, _ := json.Marshal(*p.ParallelToolCalls)
		out["parallel_tool_calls"] = b
	}
	if p.Include != nil {
		b, _ := json.Marshal(p.Include)
		out["include"] = b
	}
	putString(out, "prompt_cache_key", p.PromptCacheKey)
	if len(p.MaxOutputTokens) > 0 {
		out["max_output_tokens"] = p.MaxOutputTokens
	}
	if len(p.MaxTokens) > 0 {
		out["max_tokens"] = p.MaxTokens
	}
	if len(p.MaxCompletionTokens) > 0 {
		out["max_completion_tokens"] = p.MaxCompletionTokens
	}
	return json.Marshal(out)
}

// Tool is one entry of the declared tool list.
type Tool struct {
	Type        string
	Name        string
	Description string
	Parameters  json.RawMessage
	Extra       map[string]json.RawMessage
}

func (t *Tool) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		var err error
		switch key {
		case "type":
			err = json.Unmarshal(val, &t.Type)
		case "name":
			err = json.Unmarshal(val, &t.Name)
		case "description":
			err = json.Unmarshal(val, &t.Description)
		case "parameters":
			t.Parameters = cloneRaw(val)
		default:
			if t.Extra == nil {
				t.Extra = make(map[string]json.RawMessage)
			}
			t.Extra[key] = cloneRaw(val)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t Tool) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(t.Extra)+4)
	for k, v := range t.Extra {
		out[k] = v
	}
	putString(out, "type", t.Type)
	putString(out, "name", t.Name)
	putString(out, "description", t.Description)
	if len(t.Parameters) > 0 {
		out["parameters"] = t.Parameters
	}
	return json.Marshal(out)
}
