package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dhcgn/mail-assist/model"
	"github.com/dhcgn/mail-assist/prompt"
)

const (
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 1500
	DefaultTimeout   = 60 * time.Second

	systemPrompt = "You are a helpful assistant generating structured email replies. " +
		"Respond ONLY with a JSON object matching the schema {\"to\": string, \"subject\": string, \"body_text\": string}."
)

// Config is the model configuration bundle handed in by the caller.
type Config struct {
	Model       string
	Temperature float32
	MaxTokens   int
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
}

// Error is a classified completion failure.
type Error struct {
	Outcome model.CompletionOutcome
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (http %d): %v", e.Outcome, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Outcome, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Auth errors and
// malformed responses will not improve by asking again.
func (e *Error) Retryable() bool {
	return e.Outcome == model.CompletionRateLimited || e.Outcome == model.CompletionNetworkError
}

// OutcomeOf returns the completion outcome carried by err.
func OutcomeOf(err error) model.CompletionOutcome {
	if err == nil {
		return model.CompletionOK
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Outcome
	}
	return model.CompletionNetworkError
}

type Client struct {
	cfg    Config
	api    *openai.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Client{
		cfg:    cfg,
		api:    openai.NewClientWithConfig(apiCfg),
		logger: logger,
	}
}

// Submit sends one prompt and returns the parsed reply. It performs a single
// attempt; retry policy belongs to the caller.
func (c *Client) Submit(ctx context.Context, p model.Prompt) (model.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt.Render(p)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if reasoningModel(c.cfg.Model) {
		req.MaxCompletionTokens = c.cfg.MaxTokens
	} else {
		req.MaxTokens = c.cfg.MaxTokens
		req.Temperature = c.cfg.Temperature
	}

	if c.logger != nil {
		c.logger.Debug("submitting prompt", "model", c.cfg.Model, "sections", len(p.Sections), "truncated", p.Truncated)
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return model.Reply{}, classify(err)
	}

	if len(resp.Choices) == 0 {
		return model.Reply{}, &Error{Outcome: model.CompletionMalformedResponse, Err: errors.New("response has no choices")}
	}

	reply, err := ParseReply(resp.Choices[0].Message.Content)
	if err != nil {
		return model.Reply{}, &Error{Outcome: model.CompletionMalformedResponse, Err: err}
	}

	if c.logger != nil {
		c.logger.Debug("completion received",
			"model", resp.Model,
			"promptTokens", resp.Usage.PromptTokens,
			"completionTokens", resp.Usage.CompletionTokens)
	}
	return reply, nil
}

// ParseReply decodes the model output. Code fences around the JSON are
// tolerated; a missing body is not.
func ParseReply(content string) (model.Reply, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}
	if content == "" {
		return model.Reply{}, errors.New("empty response content")
	}

	var reply model.Reply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return model.Reply{}, fmt.Errorf("decode reply json: %w", err)
	}
	if strings.TrimSpace(reply.BodyText) == "" {
		return model.Reply{}, errors.New("reply is missing body_text")
	}
	reply.To = strings.TrimSpace(reply.To)
	reply.Subject = strings.TrimSpace(reply.Subject)
	return reply, nil
}

func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	outcome := model.CompletionNetworkError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		outcome = model.CompletionAuthError
	case status == http.StatusTooManyRequests:
		outcome = model.CompletionRateLimited
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout:
		// Rejected request; not retryable.
		outcome = model.CompletionMalformedResponse
	}

	return &Error{Outcome: outcome, Status: status, Err: err}
}

func reasoningModel(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range []string{"gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
