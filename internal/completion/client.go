package completion

import (
	"context"
	"fmt"

	"github.com/xaenox/chat-dataset/pkg/config"
	"go.uber.org/zap"
)

// Client turns a prompt into a single completion.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Error wraps a failed remote completion call.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

const mistralBaseURL = "https://api.mistral.ai/v1"

// New builds the client for cfg.Provider. A missing API key yields a
// *config.ConfigurationError; callers that must keep running can wrap it
// with Unavailable.
func New(cfg config.CompletionConfig, logger *zap.Logger) (Client, error) {
	if cfg.Provider == "" {
		cfg.Provider = "mistral"
	}
	if cfg.Provider != "mock" && cfg.APIKey == "" {
		return nil, &config.ConfigurationError{
			Key:    config.APIKeyEnv(cfg.Provider),
			Reason: "not found in environment variables",
		}
	}

	switch cfg.Provider {
	case "mistral":
		if cfg.BaseURL == "" {
			cfg.BaseURL = mistralBaseURL
		}
		return NewOpenAIClient("mistral", cfg, logger), nil
	case "openai":
		return NewOpenAIClient("openai", cfg, logger), nil
	case "gemini":
		return NewGeminiClient(context.Background(), cfg, logger)
	case "mock":
		logger.Info("Using mock completion client")
		return NewMockClient(), nil
	default:
		return nil, &config.ConfigurationError{
			Key:    "completion.provider",
			Reason: fmt.Sprintf("unsupported provider %q", cfg.Provider),
		}
	}
}

type unavailableClient struct {
	err error
}

// Unavailable returns a client that fails every request with err. It lets a
// front end start without credentials and still show the reason on each send.
func Unavailable(err error) Client {
	return &unavailableClient{err: err}
}

func (c *unavailableClient) Complete(ctx context.Context, prompt string) (string, error) {
	return "", c.err
}
