// Package openai defines the OpenAI-compatible wire types exposed to
// clients. Message content is a sum type: either a plain string or a list
// of typed parts (text, image_url).
package openai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ─── Requests ────────────────────────────────────────────────────────────────

// ImageURL wraps the url field of an image_url content part.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// MessageContent holds either a plain string or content parts. Parts being
// nil means the plain form.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// IsMultimodal reports whether the content uses the parts form.
func (c MessageContent) IsMultimodal() bool { return c.Parts != nil }

// PlainText returns the user-visible text: the string itself, or the text
// parts joined with single spaces.
func (c MessageContent) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("message content must be a string or a list of parts: %w", err)
	}
	if parts == nil {
		parts = []ContentPart{}
	}
	c.Parts = parts
	c.Text = ""
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// ChatMessage is one conversation turn.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// StopList accepts a single stop string or a list of them.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or a list of strings: %w", err)
	}
	*s = StopList(many)
	return nil
}

func (s StopList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}

// ResponseFormat selects the completion output format.
type ResponseFormat struct {
	Type string `json:"type"`
}

// StreamOptions tunes streaming behavior. IncludeUsage is a pointer so an
// absent field can default to true.
type StreamOptions struct {
	IncludeUsage *bool `json:"include_usage,omitempty"`
}

// ChatCompletionRequest is the inbound completion request.
type ChatCompletionRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             StopList        `json:"stop,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
}

// IncludeUsage reports whether the final stream chunk should carry usage.
// Only an explicit false suppresses it.
func (r *ChatCompletionRequest) IncludeUsage() bool {
	if r.StreamOptions == nil || r.StreamOptions.IncludeUsage == nil {
		return true
	}
	return *r.StreamOptions.IncludeUsage
}

// Validate checks the minimum viable request shape.
func (r *ChatCompletionRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	return nil
}

// ─── Responses ───────────────────────────────────────────────────────────────

// Usage is the token accounting attached to completions.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative in a buffered response.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason *string     `json:"finish_reason"`
}

// ChatCompletionResponse is the buffered completion answer.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// DeltaMessage carries the incremental content of one stream chunk.
type DeltaMessage struct {
	Role    *string `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// StreamChoice is one alternative within a stream chunk.
type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        DeltaMessage `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatCompletionChunk is one frame of a streamed completion.
type ChatCompletionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// Model is one entry of the model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ─── Errors ──────────────────────────────────────────────────────────────────

// ErrorDetail is the inner object of the error envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

// ErrorEnvelope is the uniform error response body.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// NewError builds an error envelope.
func NewError(message, errType, param string) *ErrorEnvelope {
	return &ErrorEnvelope{Error: ErrorDetail{Message: message, Type: errType, Param: param}}
}
