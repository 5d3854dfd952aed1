// ABOUTME: Tests for the single-shot GenerateText helper.
// ABOUTME: Covers text extraction, multi-part concatenation, and the fallback default.

package llm

import (
	"context"
	"testing"
)

func TestGenerateTextReturnsText(t *testing.T) {
	adapter := &scriptedAdapter{name: "p", responses: []*Response{textResponse("A Counter App")}}
	client := NewClient(WithProvider("p", adapter))

	got, err := GenerateText(context.Background(), client, GenerateOptions{
		Model:    "m",
		System:   "You generate short titles.",
		Prompt:   "summary text",
		Fallback: "Fragment",
	})
	if err != nil {
		t.Fatalf("GenerateText returned error: %v", err)
	}
	if got != "A Counter App" {
		t.Errorf("GenerateText = %q, want %q", got, "A Counter App")
	}

	// System prompt must be the first message sent.
	if len(adapter.calls) != 1 {
		t.Fatalf("adapter called %d times, want 1", len(adapter.calls))
	}
	msgs := adapter.calls[0].Messages
	if len(msgs) != 2 || msgs[0].Role != RoleSystem || msgs[1].Role != RoleUser {
		t.Errorf("unexpected message roles in request: %+v", msgs)
	}
}

func TestGenerateTextConcatenatesParts(t *testing.T) {
	resp := &Response{Message: Message{
		Role:    RoleAssistant,
		Content: []ContentPart{TextPart("Here "), TextPart("you go!")},
	}}
	client := NewClient(WithProvider("p", &scriptedAdapter{name: "p", responses: []*Response{resp}}))

	got, err := GenerateText(context.Background(), client, GenerateOptions{Prompt: "x", Fallback: "default"})
	if err != nil {
		t.Fatalf("GenerateText returned error: %v", err)
	}
	if got != "Here you go!" {
		t.Errorf("GenerateText = %q, want %q", got, "Here you go!")
	}
}

func TestGenerateTextFallsBackOnEmptyContent(t *testing.T) {
	resp := &Response{Message: Message{Role: RoleAssistant}}
	client := NewClient(WithProvider("p", &scriptedAdapter{name: "p", responses: []*Response{resp}}))

	got, err := GenerateText(context.Background(), client, GenerateOptions{Prompt: "x", Fallback: "Fragment"})
	if err != nil {
		t.Fatalf("GenerateText returned error: %v", err)
	}
	if got != "Fragment" {
		t.Errorf("GenerateText = %q, want fallback %q", got, "Fragment")
	}
}

func TestGenerateTextPropagatesErrors(t *testing.T) {
	cfgErr := &ConfigurationError{SDKError: SDKError{Message: "bad"}}
	client := NewClient(WithProvider("p", &scriptedAdapter{name: "p", errs: []error{cfgErr}}))

	if _, err := GenerateText(context.Background(), client, GenerateOptions{Prompt: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
