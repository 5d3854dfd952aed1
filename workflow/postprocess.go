// ABOUTME: Post-processing agents that run over the completed summary: fragment title and user-facing response.
// ABOUTME: Both are independent single-shot generations with fixed fallbacks for non-text model output.

package workflow

import (
	"context"

	"github.com/2389-research/appforge/llm"
)

// Fallbacks used when a post-processing model returns no usable text.
const (
	DefaultFragmentTitle = "Fragment"
	DefaultResponseText  = "Here you go!"
)

const titleSystemPrompt = `You generate a short title for a code fragment based on a task summary.
Respond with the title only: at most five words, no quotes, no punctuation at the end.`

const responseSystemPrompt = `You write the final message shown to the user after their app was generated.
Given the task summary, respond with one or two friendly sentences describing what was built.
Do not mention tools, sandboxes, or implementation steps.`

// generateTitle produces the fragment title from the summary text.
func (w *Workflow) generateTitle(ctx context.Context, summary string) (string, error) {
	return llm.GenerateText(ctx, w.LLM, llm.GenerateOptions{
		Model:    w.Config.Model,
		Provider: w.Config.Provider,
		System:   titleSystemPrompt,
		Prompt:   summary,
		Fallback: DefaultFragmentTitle,
	})
}

// generateResponse produces the user-facing reply from the summary text.
func (w *Workflow) generateResponse(ctx context.Context, summary string) (string, error) {
	return llm.GenerateText(ctx, w.LLM, llm.GenerateOptions{
		Model:    w.Config.Model,
		Provider: w.Config.Provider,
		System:   responseSystemPrompt,
		Prompt:   summary,
		Fallback: DefaultResponseText,
	})
}
