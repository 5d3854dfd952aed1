// ABOUTME: High-level single-shot generation helper for non-tool-using agent calls.
// ABOUTME: Provides GenerateText with system/prompt inputs and text extraction with a fallback default.

package llm

import "context"

// GenerateOptions configures a GenerateText call.
type GenerateOptions struct {
	Model       string
	System      string // system message, optional
	Prompt      string // user message
	Provider    string
	Temperature *float64
	MaxTokens   *int

	// Fallback is returned when the model produced no usable text content.
	Fallback string
}

// GenerateText performs a single completion with no tools and returns the
// response text. When the response carries multiple text parts they are
// concatenated; when it carries no text at all, Fallback is returned. The
// error return is reserved for transport/provider failures.
func GenerateText(ctx context.Context, client *Client, opts GenerateOptions) (string, error) {
	messages := make([]Message, 0, 2)
	if opts.System != "" {
		messages = append(messages, SystemMessage(opts.System))
	}
	messages = append(messages, UserMessage(opts.Prompt))

	resp, err := client.Complete(ctx, Request{
		Model:       opts.Model,
		Provider:    opts.Provider,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	text := resp.TextContent()
	if text == "" {
		return opts.Fallback, nil
	}
	return text, nil
}
