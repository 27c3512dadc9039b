// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil, tokens are streamed to it.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Config carries the fields needed to construct a Client for either
// supported provider. It mirrors internal/config's ResponderConfig so
// callers can pass that struct directly without an import cycle.
type Config struct {
	Provider  string
	Model     string
	OllamaURL string
	APIKey    string
}

// NewClient builds the Client for cfg.Provider ("ollama" or
// "anthropic"). Both the Slack auto-responder and the code-quality
// reviewer share this constructor so the two daemons never drift on
// provider wiring.
func NewClient(cfg Config, logger *slog.Logger) (Client, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(cfg.OllamaURL, logger), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: anthropic provider requires an api key")
		}
		return NewAnthropicClient(cfg.APIKey, logger), nil
	default:
		return nil, fmt.Errorf("llm: unsupported provider %q", cfg.Provider)
	}
}
