package completion

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/chat-dataset/pkg/config"
	"go.uber.org/zap"
)

// OpenAIClient talks to any OpenAI compatible chat completion endpoint,
// which covers both OpenAI and Mistral.
type OpenAIClient struct {
	client      *openai.Client
	provider    string
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewOpenAIClient(provider string, cfg config.CompletionConfig, logger *zap.Logger) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		provider:    provider,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
		},
	)
	if err != nil {
		c.logger.Error("Failed to get completion",
			zap.Error(err),
			zap.String("provider", c.provider),
			zap.String("model", c.model))
		return "", &Error{Provider: c.provider, Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Provider: c.provider, Err: errors.New("response contained no choices")}
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
