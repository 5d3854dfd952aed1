// ABOUTME: OpenAI Chat Completions provider adapter built on the official openai-go SDK.
// ABOUTME: Supports custom base URLs for OpenAI-compatible services (OpenRouter, Cerebras, AI gateways).

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter implements ProviderAdapter using the OpenAI Chat Completions
// API. The /v1/chat/completions endpoint is the one supported by every
// OpenAI-compatible provider, so a custom base URL is enough to point this
// adapter at a gateway.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

// OpenAIOption is a functional option for configuring an OpenAIAdapter.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL string
	model   string
}

// WithOpenAIBaseURL sets a custom base URL for OpenAI-compatible providers.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithOpenAIModel sets the default model used when a Request leaves Model empty.
func WithOpenAIModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// NewOpenAIAdapter creates an adapter with the given API key and options.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	cfg := &openAIConfig{model: "gpt-5.2"}
	for _, opt := range opts {
		opt(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIAdapter{
		client: openai.NewClient(reqOpts...),
		model:  cfg.model,
	}
}

// Name returns the provider name for this adapter.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Close releases resources held by the adapter.
func (a *OpenAIAdapter) Close() error { return nil }

// Complete sends a synchronous completion request to the Chat Completions API.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = a.model
	}

	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, translateOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			SDKError: SDKError{Message: "openai response contained no choices"},
			Provider: "openai",
		}
	}

	return a.convertResponse(resp), nil
}

// buildParams translates a unified Request into Chat Completions parameters.
func (a *OpenAIAdapter) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.TextContent()))
		case RoleUser:
			messages = append(messages, openai.UserMessage(m.TextContent()))
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text := m.TextContent(); text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, tc := range m.ToolCalls() {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			for _, part := range m.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					messages = append(messages, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ToolCallID))
				}
			}
		default:
			return params, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("unsupported message role %q", m.Role),
			}}
		}
	}
	params.Messages = messages

	for _, def := range req.Tools {
		var schema map[string]any
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &schema); err != nil {
				return params, &ConfigurationError{SDKError: SDKError{
					Message: fmt.Sprintf("tool %q has invalid parameter schema", def.Name),
					Cause:   err,
				}}
			}
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(schema),
			},
		})
	}

	if req.ToolChoice != nil {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(req.ToolChoice.Mode),
		}
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}

	return params, nil
}

// convertResponse translates a Chat Completions response into the unified Response.
func (a *OpenAIAdapter) convertResponse(resp *openai.ChatCompletion) *Response {
	choice := resp.Choices[0]

	var content []ContentPart
	if choice.Message.Content != "" {
		content = append(content, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, ToolCallPart(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	finish := FinishOther
	switch choice.FinishReason {
	case "stop":
		finish = FinishStop
	case "tool_calls":
		finish = FinishToolCalls
	case "length":
		finish = FinishLength
	}

	return &Response{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: "openai",
		Message: Message{
			Role:    RoleAssistant,
			Content: content,
		},
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
}

// translateOpenAIError maps SDK errors onto the client error taxonomy so the
// retry policy can distinguish transient failures.
func translateOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe := ProviderError{
			SDKError:   SDKError{Message: "openai request failed", Cause: err},
			Provider:   "openai",
			StatusCode: apiErr.StatusCode,
			Retryable:  apiErr.StatusCode >= 500,
		}
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return &RateLimitError{ProviderError: pe, RetryAfter: retryAfterHint(apiErr.Response)}
		}
		return &pe
	}
	return &NetworkError{SDKError: SDKError{Message: "openai transport failure", Cause: err}}
}

// retryAfterHint extracts a Retry-After header value in seconds, when present.
func retryAfterHint(resp *http.Response) *float64 {
	if resp == nil {
		return nil
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		return nil
	}
	return &seconds
}
