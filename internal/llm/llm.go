// Package llm provides the one-shot model client used for history
// summarization and commentary generation. Interactive coding sessions go
// through the agent subprocess instead; this client only issues single
// non-streaming completions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/droverhq/drover/internal/common/config"
)

// ErrNoCredentials is returned when no API key is configured.
var ErrNoCredentials = errors.New("llm: credentials missing")

// Request is a single completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
	Model     string
}

// OneShot issues one completion and returns the text of the response.
type OneShot interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// OneShotFunc adapts a function to the OneShot interface.
type OneShotFunc func(ctx context.Context, req Request) (string, error)

func (f OneShotFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 2048
	maxRetries       = 2
	retryDelay       = time.Second
)

// Anthropic is the hosted-API OneShot implementation.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic builds a client from configuration. Returns ErrNoCredentials
// when no API key is available so callers can fall back to non-model paths.
func NewAnthropic(cfg config.LLMConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoCredentials
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  model,
	}, nil
}

// Complete issues one completion, retrying transient failures with
// exponential backoff.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg, err := a.client.Messages.New(ctx, params)
		if err == nil {
			return collectText(msg.Content), nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == maxRetries {
			break
		}
		backoff := retryDelay << attempt
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", fmt.Errorf("llm: completion failed: %w", lastErr)
}

func collectText(blocks []anthropic.ContentBlockUnion) string {
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}
