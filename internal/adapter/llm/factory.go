package llm

import (
	"log"
)

// ModeMock selects the mock client.
const ModeMock = "MOCK"

// NewCompleter creates an upstream client for the given mode.
// If mode is MOCK, returns a MockClient; otherwise returns a real Client.
func NewCompleter(mode string, cfg ClientConfig) Completer {
	if mode == ModeMock {
		log.Println("CHAT_MODE=MOCK detected, using mock LLM client")
		return NewMockClient()
	}

	return NewClient(cfg)
}
