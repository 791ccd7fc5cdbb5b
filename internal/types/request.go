package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ChatRequest is the subset of an OpenAI chat-completions body the router reads.
// The proxy forwards the original bytes; this struct is never re-encoded upstream.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
	Tools          json.RawMessage `json:"tools,omitempty"`
	ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// MessageContent holds either a plain string or an array of typed content parts.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (c *MessageContent) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = MessageContent{}
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &c.Text)
	}
	if b[0] == '[' {
		return json.Unmarshal(b, &c.Parts)
	}
	return fmt.Errorf("message content must be a string or an array, got %q", b[:1])
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// String joins all text carried by the content.
func (c MessageContent) String() string {
	if c.Parts == nil {
		return c.Text
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p.Type != "text" && p.Type != "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// HasTools reports whether the request declares any tool definitions.
func (r *ChatRequest) HasTools() bool {
	t := bytes.TrimSpace(r.Tools)
	return len(t) > 0 && !bytes.Equal(t, []byte("null")) && !bytes.Equal(t, []byte("[]"))
}

// Prompts returns the text of the last user message and all system messages joined.
func (r *ChatRequest) Prompts() (prompt, system string) {
	var systems []string
	for _, m := range r.Messages {
		switch m.Role {
		case "system", "developer":
			systems = append(systems, m.Content.String())
		case "user":
			prompt = m.Content.String()
		}
	}
	return prompt, strings.Join(systems, "\n")
}

// WithModel returns body with its top-level "model" field replaced.
// All other fields are kept as raw JSON.
func WithModel(body []byte, model string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = encoded
	return json.Marshal(fields)
}
