package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/adwidya/recall/domain/repositories"
)

// GeminiLLM implements the LargeLanguageModel interface using Google's Gemini API
type GeminiLLM struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger
}

// NewGeminiLLM creates a new Gemini LLM instance
func NewGeminiLLM(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiLLM, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	config = config.withDefaults()
	logger.Info("gemini adapter ready", zap.String("model", config.Model))

	return &GeminiLLM{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Generate runs a single prompt without chat history. Question generation
// and answer grading go through here; callers supply their own fallbacks.
func (g *GeminiLLM) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(g.config.TimeoutSeconds)*time.Second)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromText(GeminiHardcodedConfig.SystemPrompt, genai.RoleUser),
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		SafetySettings:  GeminiHardcodedConfig.SafetySettings,
		Temperature:     genai.Ptr(g.config.Temperature),
		TopP:            genai.Ptr(g.config.TopP),
		TopK:            genai.Ptr(g.config.TopK),
		MaxOutputTokens: int32(g.config.MaxOutputTokens),
	}

	response, err := g.client.Models.GenerateContent(ctx, g.config.Model, contents, config)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := extractText(response)
	if text == "" {
		return "", fmt.Errorf("no content generated")
	}
	return text, nil
}

// GenerateChat creates a chat session with history
func (g *GeminiLLM) GenerateChat(ctx context.Context, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return NewGeminiChatSession(g.client, g.config, g.logger, history)
}

// extractText concatenates the text parts of the first candidate.
func extractText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range response.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	return text
}
