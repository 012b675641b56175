package agent

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"fractalmem/internal/logging"
)

// CompletionProvider produces the agent's reply text. The memory core's
// summariser consumes the same interface.
type CompletionProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// GenAIProvider generates completions through Google's Gemini API.
type GenAIProvider struct {
	client *genai.Client
	model  string
}

// NewGenAIProvider creates a completion provider for the given model.
func NewGenAIProvider(apiKey, model string) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	logging.Agent("GenAI completion provider ready: model=%s", model)
	return &GenAIProvider{client: client, model: model}, nil
}

// Complete runs one generation round.
func (p *GenAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryAgent, "GenAI.Complete")
	defer timer.Stop()

	result, err := p.client.Models.GenerateContent(ctx, p.model,
		genai.Text(prompt), nil)
	if err != nil {
		logging.Get(logging.CategoryAgent).Error("Completion failed: %v", err)
		return "", fmt.Errorf("completion failed: %w", err)
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("completion returned empty text")
	}
	return text, nil
}
