package service

import "github.com/xiaot623/chatrelay/internal/domain"

var modelCatalog = []domain.ModelInfo{
	{ID: "google/gemini-2.0-flash-exp:free", Name: "Google Gemini 2.0 Flash (Free)"},
	{ID: "google/gemma-3-27b-it:free", Name: "Google Gemma 3 27B (Free)"},
	{ID: "google/gemma-3-4b-it:free", Name: "Google Gemma 3 4B (Free)"},
	{ID: "x-ai/grok-4.1-fast:free", Name: "xAI Grok 4.1 Fast (Free)"},
	{ID: "mistralai/mistral-7b-instruct:free", Name: "Mistral 7B (Free)"},
	{ID: "meta-llama/llama-3-8b-instruct:free", Name: "Llama 3 8B (Free)"},
	{ID: "microsoft/phi-3-mini-128k-instruct:free", Name: "Phi-3 Mini (Free)"},
}

// ListModels returns the selectable models.
func (s *Service) ListModels() []domain.ModelInfo {
	models := make([]domain.ModelInfo, len(modelCatalog))
	copy(models, modelCatalog)
	return models
}

// IsKnownModel reports whether id is in the catalog.
func IsKnownModel(id string) bool {
	for _, m := range modelCatalog {
		if m.ID == id {
			return true
		}
	}
	return false
}
