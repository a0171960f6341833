// Package genai wraps the OpenAI chat completion API used for phase
// classification and phase-specific response generation.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// Default sampling configuration. Values mirror the coaching deployment the
// flow was tuned against.
const (
	DefaultModel       = "gpt-4o"
	DefaultTemperature = 0.5
)

// ErrEmptyResponse indicates the service returned no usable choices. It is a
// distinct failure rather than empty text so outages are never mistaken for
// an intentionally silent reply.
var ErrEmptyResponse = errors.New("generation service returned an empty response")

// StreamSink receives partial text chunks as they arrive from a streaming
// generation call, before the full response is available.
type StreamSink func(chunk string)

// ClientInterface defines the generation operations the session flow depends on.
type ClientInterface interface {
	// GenerateWithMessages returns the full completion for the given messages.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)

	// GenerateStreamWithMessages streams partial chunks to sink as they arrive
	// and returns the final assembled text. A nil sink degrades to a plain call.
	GenerateStreamWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, sink StreamSink) (string, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
}

// Option configures client construction.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model identifier.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	client      openai.Client
	model       openai.ChatModel
	temperature float64
}

// NewClient initializes a GenAI client. The API key comes from options or the
// OPENAI_API_KEY environment variable; a missing key is a fatal configuration
// error that prevents construction.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("genai.NewClient: OpenAI API key not configured")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	slog.Debug("genai.NewClient: creating client", "model", cfg.Model, "temperature", cfg.Temperature)
	return &Client{
		client:      openai.NewClient(option.WithAPIKey(apiKey)),
		model:       openai.ChatModel(cfg.Model),
		temperature: cfg.Temperature,
	}, nil
}

// GenerateWithMessages returns the full completion for the given messages.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.newParams(messages))
	if err != nil {
		slog.Error("genai.GenerateWithMessages: completion request failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.GenerateWithMessages: no choices returned")
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateStreamWithMessages streams partial chunks to sink as they arrive and
// returns the final assembled text.
func (c *Client) GenerateStreamWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, sink StreamSink) (string, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.newParams(messages))

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if sink != nil && len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				sink(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		slog.Error("genai.GenerateStreamWithMessages: stream failed", "error", err)
		return "", fmt.Errorf("chat completion stream failed: %w", err)
	}
	if len(acc.Choices) == 0 {
		slog.Error("genai.GenerateStreamWithMessages: no choices accumulated")
		return "", ErrEmptyResponse
	}
	return acc.Choices[0].Message.Content, nil
}

func (c *Client) newParams(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: param.NewOpt(c.temperature),
	}
}
