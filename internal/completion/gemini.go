package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xaenox/chat-dataset/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

type GeminiClient struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewGeminiClient(ctx context.Context, cfg config.CompletionConfig, logger *zap.Logger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "mistral") {
		model = "gemini-2.0-flash"
	}

	return &GeminiClient{
		client:      client,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	genConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(c.temperature)),
	}
	if c.maxTokens > 0 {
		genConfig.MaxOutputTokens = int32(c.maxTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), genConfig)
	if err != nil {
		c.logger.Error("Failed to get completion",
			zap.Error(err),
			zap.String("provider", "gemini"),
			zap.String("model", c.model))
		return "", &Error{Provider: "gemini", Err: err}
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &Error{Provider: "gemini", Err: errors.New("response contained no text")}
	}
	return text, nil
}
