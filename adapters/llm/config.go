package llm

import (
	"fmt"
	"os"
	"strconv"

	"google.golang.org/genai"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.7
	defaultTopP           = 0.95
	defaultTopK           = 40
	defaultMaxTokens      = 1024
	defaultTimeoutSeconds = 30
)

// GeminiConfig carries the tunables for the Gemini adapter.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
}

// GeminiConfigFromEnv loads the adapter configuration from the environment.
func GeminiConfigFromEnv() (GeminiConfig, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return GeminiConfig{}, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	config := GeminiConfig{
		APIKey: apiKey,
		Model:  os.Getenv("GEMINI_MODEL"),
	}

	if raw := os.Getenv("GEMINI_TEMPERATURE"); raw != "" {
		v, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return GeminiConfig{}, fmt.Errorf("invalid GEMINI_TEMPERATURE %q: %w", raw, err)
		}
		config.Temperature = float32(v)
	}
	if raw := os.Getenv("GEMINI_MAX_OUTPUT_TOKENS"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return GeminiConfig{}, fmt.Errorf("invalid GEMINI_MAX_OUTPUT_TOKENS %q: %w", raw, err)
		}
		config.MaxOutputTokens = v
	}

	return config, nil
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	// Validate temperature is in the valid range
	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	// Validate topP is in the valid range
	if config.TopP != 0 && (config.TopP < 0 || config.TopP > 1) {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}

	// Validate topK is positive if specified
	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}

	// Validate timeout is reasonable if specified
	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}

	return nil
}

func (c GeminiConfig) withDefaults() GeminiConfig {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.TopP == 0 {
		c.TopP = defaultTopP
	}
	if c.TopK == 0 {
		c.TopK = defaultTopK
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = defaultMaxTokens
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}
	return c
}

// GeminiHardcodedConfig groups the settings that stay fixed for the study
// assistant persona regardless of deployment configuration.
var GeminiHardcodedConfig = struct {
	SafetySettings []*genai.SafetySetting
	SystemPrompt   string
	Fallbacks      []string
}{
	SafetySettings: []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	},
	SystemPrompt: "You are a patient study assistant helping a learner review material out loud. " +
		"Keep every answer short enough to read aloud in under thirty seconds and use plain spoken " +
		"language rather than lists or markup. When the learner answers a practice question, say what " +
		"was right before pointing out what was wrong, and finish with one sentence of encouragement.",
	Fallbacks: []string{
		"I didn't catch that. Could you say it again?",
		"Let me come back to that one. Want to try the next question in the meantime?",
		"I'm having trouble answering right now. Let's keep going and circle back.",
	},
}
