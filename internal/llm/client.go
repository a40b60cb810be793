// Package llm wraps an OpenAI-compatible chat-completions endpoint behind a
// single Complete operation with structured output and cost accounting.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
)

// Config holds the provider connection and pricing knobs.
type Config struct {
	BaseURL             string
	APIKey              string
	Model               string
	MaxCompletionTokens int
	// InputPricePerM and OutputPricePerM are USD per million tokens.
	InputPricePerM  float64
	OutputPricePerM float64
	Timeout         time.Duration
}

// Completion is the result of one chat-completions call.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	Model            string
}

// Client calls the provider with a fixed response schema.
type Client struct {
	api        *openai.Client
	cfg        Config
	schemaName string
	schema     json.RawMessage
}

// NewClient builds a client that constrains every response to the given
// JSON schema (see GenerateSchema).
func NewClient(cfg Config, schemaName string, schema json.RawMessage) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		api:        openai.NewClientWithConfig(clientConfig),
		cfg:        cfg,
		schemaName: schemaName,
		schema:     schema,
	}
}

// Complete sends a system+user prompt pair and returns the raw content plus
// usage and cost. Failures are classified into the apperr LLM kinds:
// transient for 429/5xx/network, permanent for other 4xx, malformed for a
// response without choices.
func (c *Client) Complete(ctx context.Context, system, user string, temperature float32) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   c.cfg.MaxCompletionTokens,
		Temperature: temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   c.schemaName,
				Schema: c.schema,
				Strict: true,
			},
		},
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("llm: response has no choices: %w", apperr.ErrLLMMalformed)
	}

	usage := resp.Usage
	cost := float64(usage.PromptTokens)/1e6*c.cfg.InputPricePerM +
		float64(usage.CompletionTokens)/1e6*c.cfg.OutputPricePerM

	return Completion{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Cost:             cost,
		Model:            resp.Model,
	}, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("llm: rate limited: %w", apperr.ErrLLMTransient)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("llm: provider unavailable (%d): %w", apiErr.HTTPStatusCode, apperr.ErrLLMTransient)
		case apiErr.HTTPStatusCode >= 400:
			return fmt.Errorf("llm: request rejected (%d): %v: %w", apiErr.HTTPStatusCode, apiErr.Message, apperr.ErrLLMPermanent)
		}
	}
	// Connection resets, timeouts, DNS failures.
	return fmt.Errorf("llm: %v: %w", err, apperr.ErrLLMTransient)
}
