package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/xiaot623/chatrelay/internal/adapter/llm"
)

const defaultImageMIME = "image/jpeg"

// Attachment is a decoded image sent along with a turn.
type Attachment struct {
	MIMEType string
	Data     []byte

	url string
}

// ParseAttachment decodes a base64 image or a base64 data URL. An empty value
// yields a nil attachment.
func ParseAttachment(raw string) (*Attachment, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	if strings.HasPrefix(raw, "data:") {
		header, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("%w: data URL must be base64 encoded", ErrInvalidAttachment)
		}
		data, err := decodeBase64(payload)
		if err != nil {
			return nil, err
		}
		mime := strings.TrimSuffix(header, ";base64")
		if mime == "" {
			mime = defaultImageMIME
		}
		return &Attachment{MIMEType: mime, Data: data, url: raw}, nil
	}

	data, err := decodeBase64(raw)
	if err != nil {
		return nil, err
	}
	return &Attachment{MIMEType: sniffImageMIME(data), Data: data}, nil
}

// DataURL renders the attachment as an inline image reference.
func (a *Attachment) DataURL() string {
	if a.url != "" {
		return a.url
	}
	return "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some clients strip padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttachment, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidAttachment)
	}
	return data, nil
}

func sniffImageMIME(data []byte) string {
	mime := http.DetectContentType(data)
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	return defaultImageMIME
}

// BuildContext renders the session history up to and including the message
// upToMessageID as the upstream message list. Messages stored after it (by
// concurrent turns) are left out, and only the most recent
// CONTEXT_WINDOW_TURNS turns before it are kept. The attachment, if any, is
// attached to the last message only.
func (s *Service) BuildContext(ctx context.Context, sessionID, upToMessageID string, attachment *Attachment) ([]llm.ChatMessage, error) {
	history, err := s.store.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	if upToMessageID != "" {
		for i := range history {
			if history[i].ID == upToMessageID {
				history = history[:i+1]
				break
			}
		}
	}

	if n := s.config.ContextWindowTurns; n > 0 && len(history) > 2*n+1 {
		history = history[len(history)-(2*n+1):]
	}

	messages := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, llm.ChatMessage{
			Role:    string(m.Role),
			Content: llm.TextContent(m.Content),
		})
	}

	if attachment != nil && len(messages) > 0 {
		last := &messages[len(messages)-1]
		text := last.Content.Text
		last.Content = llm.MessageContent{
			Text: text,
			Parts: []llm.ContentPart{
				{Type: llm.ContentTypeText, Text: text},
				{Type: llm.ContentTypeImageURL, ImageURL: &llm.ImageURL{URL: attachment.DataURL()}},
			},
		}
	}

	return messages, nil
}
