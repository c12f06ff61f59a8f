package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/adwidya/recall/domain/repositories"
)

// GeminiChatSession is one history-seeded conversation. Every SendMessage
// replays the accumulated history so the model answers in context; transient
// API failures degrade to a canned fallback line rather than an error, so the
// voice loop always has something to say.
type GeminiChatSession struct {
	client  *genai.Client
	config  GeminiConfig
	logger  *zap.Logger
	history []*genai.Content
}

// NewGeminiChatSession creates a chat session seeded with prior turns.
func NewGeminiChatSession(client *genai.Client, config GeminiConfig, logger *zap.Logger, history []repositories.ChatMessage) (*GeminiChatSession, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	return &GeminiChatSession{
		client:  client,
		config:  config.withDefaults(),
		logger:  logger,
		history: toGeminiContents(history),
	}, nil
}

// SendMessage sends one user message and returns the model's reply. Both
// sides of the exchange are appended to the session history.
func (s *GeminiChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	contents := make([]*genai.Content, 0, len(s.history)+2)
	contents = append(contents, genai.NewContentFromText(GeminiHardcodedConfig.SystemPrompt, genai.RoleUser))
	contents = append(contents, s.history...)

	userContent := genai.NewContentFromText(message.Content, genai.RoleUser)
	contents = append(contents, userContent)

	config := &genai.GenerateContentConfig{
		SafetySettings:  GeminiHardcodedConfig.SafetySettings,
		Temperature:     genai.Ptr(s.config.Temperature),
		TopP:            genai.Ptr(s.config.TopP),
		TopK:            genai.Ptr(s.config.TopK),
		MaxOutputTokens: int32(s.config.MaxOutputTokens),
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.config.TimeoutSeconds)*time.Second)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		response, err = s.client.Models.GenerateContent(ctx, s.config.Model, contents, config)
		if err == nil {
			break
		}
		s.logger.Warn("chat generation failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt < 2 {
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
	}
	if err != nil {
		s.logger.Error("chat generation exhausted retries", zap.Error(err))
		return s.fallbackReply(), nil
	}

	text := extractText(response)
	if text == "" {
		s.logger.Warn("empty chat reply from model")
		return s.fallbackReply(), nil
	}

	s.history = append(s.history, userContent, genai.NewContentFromText(text, genai.RoleModel))
	s.logger.Debug("chat turn processed",
		zap.String("message_preview", message.Content[:min(50, len(message.Content))]),
		zap.Int("history_length", len(s.history)))

	return repositories.ChatMessage{
		Role:    repositories.AssistantRole,
		Content: text,
	}, nil
}

// History returns the accumulated conversation.
func (s *GeminiChatSession) History() ([]repositories.ChatMessage, error) {
	return fromGeminiContents(s.history), nil
}

// fallbackReply picks a canned line and records it so a later turn does not
// contradict what the user heard.
func (s *GeminiChatSession) fallbackReply() repositories.ChatMessage {
	fallbacks := GeminiHardcodedConfig.Fallbacks
	line := fallbacks[int(time.Now().UnixNano())%len(fallbacks)]

	s.history = append(s.history, genai.NewContentFromText(line, genai.RoleModel))
	return repositories.ChatMessage{
		Role:    repositories.AssistantRole,
		Content: line,
	}
}

// toGeminiContents maps repository roles onto the two roles Gemini knows.
// System messages ride as user content.
func toGeminiContents(messages []repositories.ChatMessage) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		var role genai.Role = genai.RoleUser
		if msg.Role == repositories.AssistantRole {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

// fromGeminiContents flattens content parts back into plain messages.
// Non-text parts are dropped.
func fromGeminiContents(contents []*genai.Content) []repositories.ChatMessage {
	var messages []repositories.ChatMessage
	for _, content := range contents {
		role := repositories.UserRole
		if content.Role == genai.RoleModel {
			role = repositories.AssistantRole
		}

		var text string
		for _, part := range content.Parts {
			if part.Text != "" {
				text += part.Text
			}
		}
		if text != "" {
			messages = append(messages, repositories.ChatMessage{Role: role, Content: text})
		}
	}
	return messages
}
