package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ChatCompletionRequest represents the OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ChatMessage represents a chat message.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either plain text or a list of multimodal parts.
// It marshals as a JSON string unless Parts is set.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps plain text.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// IsComposite reports whether the content carries multimodal parts.
func (c MessageContent) IsComposite() bool {
	return len(c.Parts) > 0
}

// MarshalJSON implements json.Marshaler.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsComposite() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = MessageContent{Text: text}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or a list of parts: %w", err)
	}
	*c = MessageContent{Parts: parts}
	for _, p := range parts {
		if p.Type == ContentTypeText {
			c.Text = p.Text
			break
		}
	}
	return nil
}

// Content part types.
const (
	ContentTypeText     = "text"
	ContentTypeImageURL = "image_url"
)

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image, usually as a data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// StreamChunk represents a single SSE chunk from the stream.
type StreamChunk struct {
	ID      string    `json:"id"`
	Object  string    `json:"object"`
	Created int64     `json:"created"`
	Model   string    `json:"model"`
	Choices []Choice  `json:"choices"`
	Error   *APIError `json:"error,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int    `json:"index"`
	Delta        *Delta `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta is the incremental message carried by a stream chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError represents the error details.
type APIError struct {
	Message string          `json:"message"`
	Type    string          `json:"type,omitempty"`
	Code    json.RawMessage `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("LLM API error: %s (type: %s)", e.Message, e.Type)
	}
	return "LLM API error: " + e.Message
}

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
	API        *APIError
}

func (e *StatusError) Error() string {
	if e.API != nil {
		return fmt.Sprintf("LLM API error [%d]: %s", e.StatusCode, e.API.Message)
	}
	return fmt.Sprintf("LLM API error [%d]: %s", e.StatusCode, e.Body)
}

// ErrMissingAPIKey is returned when a stream is requested without a configured credential.
var ErrMissingAPIKey = errors.New("upstream API key is not configured")

// ErrIdleTimeout is returned when the upstream stops sending stream lines for
// longer than the configured timeout.
var ErrIdleTimeout = errors.New("upstream stream timed out")
