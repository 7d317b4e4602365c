package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"

	"github.com/stupiduntilnot/relaybot/internal/conversation"
	"github.com/stupiduntilnot/relaybot/internal/model"
)

const (
	// DefaultGroqBaseURL is Groq's OpenAI-compatible endpoint.
	DefaultGroqBaseURL = "https://api.groq.com/openai/v1/"
	DefaultGroqModel   = "llama3-8b-8192"

	DefaultAzureAPIVersion = "2024-06-01"

	// EmptyReply is returned when a backend answers with no usable content.
	EmptyReply = "Sorry, I could not get a response."
)

// Options holds the request parameters shared by every backend.
type Options struct {
	SystemPrompt string
	Temperature  float64 // sent on every request; 0 is a valid setting
	MaxTokens    int
	Timeout      time.Duration
	MaxRetries   int
}

// DefaultOptions mirrors the parameters the bot has always used.
func DefaultOptions() Options {
	return Options{
		Temperature: 0.7,
		MaxTokens:   1024,
		Timeout:     120 * time.Second,
		MaxRetries:  2,
	}
}

// Client is a chat completions gateway backed by the OpenAI SDK. Groq and
// Azure OpenAI both speak this protocol and differ only in endpoint and auth.
type Client struct {
	backend   model.Backend
	model     string
	opts      Options
	sdk       sdk.Client
	assembler conversation.Assembler
}

var _ model.Gateway = (*Client)(nil)

// NewGroq creates a gateway for Groq. An empty baseURL selects the public
// endpoint.
func NewGroq(apiKey, baseURL, modelName string, opts Options) *Client {
	if baseURL == "" {
		baseURL = DefaultGroqBaseURL
	}
	if modelName == "" {
		modelName = DefaultGroqModel
	}
	return newClient(model.BackendGroq, modelName, opts,
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
	)
}

// NewAzure creates a gateway for an Azure OpenAI deployment. The deployment
// name is sent as the model and routed by the azure middleware.
func NewAzure(apiKey, endpoint, deployment, apiVersion string, opts Options) *Client {
	if apiVersion == "" {
		apiVersion = DefaultAzureAPIVersion
	}
	return newClient(model.BackendAzure, deployment, opts,
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(apiKey),
	)
}

func newClient(backend model.Backend, modelName string, opts Options, extra ...option.RequestOption) *Client {
	reqOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	reqOpts = append(reqOpts, extra...)
	return &Client{
		backend: backend,
		model:   modelName,
		opts:    opts,
		sdk:     sdk.NewClient(reqOpts...),
	}
}

// Backend reports which variant this client talks to.
func (c *Client) Backend() model.Backend {
	return c.backend
}

// Model returns the model (or Azure deployment) name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends system prompt, history and newMessage as one chat
// completion request and returns the first choice.
func (c *Client) Complete(ctx context.Context, history []conversation.Message, newMessage string) (model.Completion, error) {
	messages := c.assembler.Assemble(c.opts.SystemPrompt, history, newMessage)

	params := sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(c.model),
		Messages:    toParams(messages),
		Temperature: sdk.Float(c.opts.Temperature),
	}
	if c.opts.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(c.opts.MaxTokens))
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Completion{}, c.wrapError(err)
	}

	result := model.Completion{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		result.Content = EmptyReply
		return result, nil
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		result.Content = EmptyReply
		return result, nil
	}
	result.Content = content
	return result, nil
}

func toParams(messages []conversation.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case conversation.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case conversation.RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

// APIError is a failed backend call. StatusCode is 0 when the request never
// got an HTTP response.
type APIError struct {
	Backend    model.Backend
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s provider request failed: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("%s provider non-success status=%d: %v", e.Backend, e.StatusCode, e.Err)
}

// ErrorClass separates throttling from other provider failures so a burst of
// 429s trips the breaker on its own count.
func (e *APIError) ErrorClass() string {
	if e.StatusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	return "provider_api"
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func (c *Client) wrapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &APIError{Backend: c.backend, StatusCode: apiErr.StatusCode, Err: err}
	}
	return &APIError{Backend: c.backend, Err: err}
}
