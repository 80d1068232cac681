package gateway

import (
	"encoding/json"
	"fmt"
)

// ChatCompletionRequest is the OpenAI-compatible request body accepted by
// POST /v1/chat/completions (§4.3/§6). Unknown fields are ignored.
type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	Stream      *bool                   `json:"stream,omitempty"`
	User        string                  `json:"user,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
	MaxTokens   *int                    `json:"max_tokens,omitempty"`
}

// ChatCompletionMessage is one turn of conversation history. Content may
// be a plain string or an ordered list of typed parts; only parts tagged
// "text" contribute to Content, in order, joined with no separator.
type ChatCompletionMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnmarshalJSON accepts both the plain-string content shape and the
// typed-content-parts array shape used by multimodal OpenAI clients. Parts
// other than "text" (e.g. image_url) are silently dropped -- this gateway
// only ever forwards text to the agent subprocess.
func (m *ChatCompletionMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("chat message: %w", err)
	}
	m.Role = raw.Role

	if len(raw.Content) == 0 {
		m.Content = ""
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw.Content, &asString); err == nil {
		m.Content = asString
		return nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return fmt.Errorf("chat message: content neither string nor parts array: %w", err)
	}
	var text string
	for _, p := range parts {
		if p.Type == "text" {
			text += p.Text
		}
	}
	m.Content = text
	return nil
}

// ChatCompletionResponse covers both the streaming-chunk object
// (object: "chat.completion.chunk") and the blocking object
// (object: "chat.completion"); the pointer fields distinguish which
// fields apply to which shape without two near-identical structs.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`
}

// ChatCompletionChoice carries Delta for streaming chunks and Message for
// the blocking response; only one is ever populated on a given instance.
type ChatCompletionChoice struct {
	Index        int                    `json:"index"`
	Delta        *ChatCompletionMessage `json:"delta,omitempty"`
	Message      *ChatCompletionMessage `json:"message,omitempty"`
	FinishReason *string                `json:"finish_reason"`
}

// Usage reports token accounting. This gateway never tokenizes locally, so
// every field is always zero rather than a misleading estimate (§6).
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelListResponse is the GET /v1/models body.
type ModelListResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model describes the single synthetic model this gateway exposes.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func stringPtr(s string) *string { return &s }

func boolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
