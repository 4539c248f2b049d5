package reasoning

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/colossus/config"
)

// Provider names a reasoning backend
type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
)

// NewGenerator creates the backend selected by cfg.Provider
func NewGenerator(cfg config.ReasoningConfig) (Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" && cfg.BaseURL == "" {
		return nil, errors.New("reasoning.api_key not set")
	}
	switch Provider(cfg.Provider) {
	case OpenAI:
		return NewOpenAIGenerator(cfg), nil
	case Anthropic:
		return NewAnthropicGenerator(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported reasoning provider %q", cfg.Provider)
	}
}

// NewService wires a Client over the configured backend.
func NewService(cfg config.Config, logger *log.Logger) (*Client, error) {
	gen, err := NewGenerator(cfg.Reasoning)
	if err != nil {
		return nil, err
	}
	return NewClient(gen,
		WithLogger(logger),
		WithReviewThreshold(cfg.Orchestration.ReviewThreshold),
	), nil
}
