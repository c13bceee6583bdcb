// Package llm wraps the OpenAI chat completions API for one-shot JSON replies.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

var (
	ErrNotConfigured = errors.New("openai api key not configured")
	ErrEmptyResponse = errors.New("model returned no choices")
)

type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client asks a chat model for a JSON object given a system and user message.
type Client struct {
	api         openai.Client
	model       string
	temperature float64
	configured  bool
}

func New(opts Options) *Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// one attempt per analysis; the caller retries by re-triggering
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	model := opts.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &Client{
		api:         openai.NewClient(reqOpts...),
		model:       model,
		temperature: opts.Temperature,
		configured:  opts.APIKey != "",
	}
}

// Complete returns the raw content of the first choice. The response is
// requested in JSON object mode; parsing is left to the caller.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if !c.configured {
		modelErrors.WithLabelValues("config").Inc()
		return "", ErrNotConfigured
	}
	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	modelDuration.WithLabelValues(c.model).Observe(time.Since(start).Seconds())
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			modelErrors.WithLabelValues("status").Inc()
			return "", fmt.Errorf("openai status %d: %w", apiErr.StatusCode, err)
		}
		modelErrors.WithLabelValues("http").Inc()
		return "", fmt.Errorf("openai request: %w", err)
	}
	if len(resp.Choices) == 0 {
		modelErrors.WithLabelValues("empty").Inc()
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// Ping lists models to confirm the key and endpoint are usable.
func (c *Client) Ping(ctx context.Context) error {
	if !c.configured {
		return ErrNotConfigured
	}
	_, err := c.api.Models.List(ctx)
	return err
}

func (c *Client) Model() string { return c.model }
