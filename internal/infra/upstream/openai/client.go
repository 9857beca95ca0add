// Package openai calls an OpenAI-compatible API on behalf of the credential
// pool. Each credential id maps to its own API key and client.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/vietddude/keypool/internal/core/domain"
)

// Operation names understood by Client.
const (
	OpGenerate = "generate"
	OpEmbed    = "embed"
)

// GenerateRequest asks for a single-prompt completion.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// GenerateResponse is the value returned for a GenerateRequest.
type GenerateResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// EmbedRequest asks for one embedding per text.
type EmbedRequest struct {
	Texts []string `json:"texts"`
}

// EmbedResponse is the value returned for an EmbedRequest.
type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Config configures the upstream clients.
type Config struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	// Keys maps credential id to API key.
	Keys map[domain.CredentialID]string
}

// Client implements routing.Upstream over langchaingo.
type Client struct {
	llms  map[domain.CredentialID]*openai.LLM
	model string
	log   *slog.Logger
}

// New creates one langchaingo client per credential.
func New(cfg Config) (*Client, error) {
	if len(cfg.Keys) == 0 {
		return nil, domain.ErrNoCredentials
	}

	c := &Client{
		llms:  make(map[domain.CredentialID]*openai.LLM, len(cfg.Keys)),
		model: cfg.Model,
		log:   slog.Default().With("component", "openai-upstream"),
	}

	for id, key := range cfg.Keys {
		if key == "" {
			return nil, fmt.Errorf("credential %s: empty api key", id)
		}

		opts := []openai.Option{openai.WithToken(key)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.EmbeddingModel != "" {
			opts = append(opts, openai.WithEmbeddingModel(cfg.EmbeddingModel))
		}

		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", id, err)
		}
		c.llms[id] = llm
	}

	c.log.Info("Upstream clients ready", "credentials", len(c.llms), "baseURL", cfg.BaseURL)
	return c, nil
}

// Call dispatches payload to the client owned by credential id.
func (c *Client) Call(ctx context.Context, id domain.CredentialID, payload domain.Payload) (any, error) {
	llm, ok := c.llms[id]
	if !ok {
		return nil, invalid("unknown credential %q", id)
	}

	switch body := payload.Body.(type) {
	case GenerateRequest:
		return c.generate(ctx, llm, body)
	case *GenerateRequest:
		if body == nil {
			return nil, invalid("nil generate request")
		}
		return c.generate(ctx, llm, *body)
	case EmbedRequest:
		return c.embed(ctx, llm, body)
	case *EmbedRequest:
		if body == nil {
			return nil, invalid("nil embed request")
		}
		return c.embed(ctx, llm, *body)
	default:
		return nil, invalid("unsupported body %T for operation %q", payload.Body, payload.Operation)
	}
}

func (c *Client) generate(ctx context.Context, llm *openai.LLM, req GenerateRequest) (any, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, invalid("empty prompt")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	var opts []llms.CallOption
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, llm, req.Prompt, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return GenerateResponse{Text: text, Model: model}, nil
}

func (c *Client) embed(ctx context.Context, llm *openai.LLM, req EmbedRequest) (any, error) {
	if len(req.Texts) == 0 {
		return nil, invalid("no texts to embed")
	}

	vectors, err := llm.CreateEmbedding(ctx, req.Texts)
	// The same input would get the same answer from any key.
	if errors.Is(err, openai.ErrUnexpectedResponseLength) || (err == nil && len(vectors) != len(req.Texts)) {
		return nil, &domain.UpstreamError{
			Kind:    domain.FailureInvalidRequest,
			Message: fmt.Sprintf("embed: upstream returned %d vectors for %d texts", len(vectors), len(req.Texts)),
			Err:     domain.ErrInvalidRequest,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return EmbedResponse{Embeddings: vectors}, nil
}

func invalid(format string, args ...any) error {
	return &domain.UpstreamError{
		Kind:    domain.FailureInvalidRequest,
		Message: fmt.Sprintf(format, args...),
		Err:     domain.ErrInvalidRequest,
	}
}
