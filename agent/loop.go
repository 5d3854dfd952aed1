// ABOUTME: Core coding-agent loop: round-based driver with a router that halts once the terminal marker is seen.
// ABOUTME: Each round is one LLM call plus sequential tool execution; completion is signaled out-of-band via State.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/2389-research/appforge/llm"
	"github.com/2389-research/appforge/sandbox"
)

// TerminalMarker is the sentinel substring in assistant output signaling that
// the coding agent considers its work complete. The check is an exact
// substring match: a model emitting the token mid-explanation terminates the
// loop early. That boundary behavior is inherited and deliberate.
const TerminalMarker = "<task_summary>"

// DefaultMaxRounds bounds the loop regardless of summary state. This is the
// liveness guarantee against a non-converging model.
const DefaultMaxRounds = 15

// DecisionKind discriminates router decisions.
type DecisionKind string

const (
	// Continue means the summary is still empty and another round may run.
	Continue DecisionKind = "continue"
	// Done means the terminal marker was observed; the loop must halt.
	Done DecisionKind = "done"
)

// Decision is the router's tagged outcome, inspected before every round.
type Decision struct {
	Kind    DecisionKind
	Summary string
}

// Route inspects the shared state and decides whether the loop continues.
// Once Done is returned for a run it stays Done: the summary is never cleared.
func Route(state *State) Decision {
	if summary := state.Summary(); summary != "" {
		return Decision{Kind: Done, Summary: summary}
	}
	return Decision{Kind: Continue}
}

// EventType identifies loop observability events.
type EventType string

const (
	EventRoundStart   EventType = "round.start"
	EventAssistant    EventType = "assistant.text"
	EventToolCall     EventType = "tool.call"
	EventToolResult   EventType = "tool.result"
	EventSummaryFound EventType = "summary.found"
	EventRoundLimit   EventType = "round.limit"
)

// Event is one loop observability event delivered to the configured callback.
type Event struct {
	Type      EventType
	Round     int
	Data      map[string]any
	Timestamp time.Time
}

// StepFunc makes a named unit of work durable: it returns the recorded
// result for a step that already completed instead of executing fn again.
type StepFunc func(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) (string, error)

// LoopConfig configures one agent loop execution.
type LoopConfig struct {
	Model        string
	Provider     string
	SystemPrompt string
	MaxRounds    int              // 0 = DefaultMaxRounds
	OnEvent      func(Event)      // optional observability callback
	Registry     *Registry        // nil = DefaultRegistry
	RecordStep   StepFunc         // nil = tool calls execute directly, without durability
}

// RunLoop drives the coding agent until the router reports Done or the round
// cap is reached. Tool failures are folded into tool-result text and never
// abort the loop; only LLM transport/provider errors propagate, to be handled
// by the caller's outer failure path.
func RunLoop(ctx context.Context, client *llm.Client, cfg LoopConfig, session *Session, sb sandbox.Sandbox, state *State) (Decision, error) {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	for round := 1; round <= maxRounds; round++ {
		if decision := Route(state); decision.Kind == Done {
			return decision, nil
		}
		if err := ctx.Err(); err != nil {
			return Route(state), err
		}

		cfg.emit(Event{Type: EventRoundStart, Round: round})

		messages := make([]llm.Message, 0, session.Len()+1)
		messages = append(messages, llm.SystemMessage(cfg.SystemPrompt))
		messages = append(messages, session.Messages()...)

		response, err := client.Complete(ctx, llm.Request{
			Model:      cfg.Model,
			Provider:   cfg.Provider,
			Messages:   messages,
			Tools:      registry.Definitions(),
			ToolChoice: &llm.ToolChoice{Mode: llm.ToolChoiceAuto},
		})
		if err != nil {
			return Route(state), fmt.Errorf("agent round %d: %w", round, err)
		}

		session.Append(response.Message)
		text := response.TextContent()
		cfg.emit(Event{Type: EventAssistant, Round: round, Data: map[string]any{"text": text}})

		// Observation hook: scan the latest assistant text for the terminal
		// marker and copy the full text verbatim into the shared state.
		if strings.Contains(text, TerminalMarker) {
			state.SetSummary(text)
			cfg.emit(Event{Type: EventSummaryFound, Round: round})
		}

		// Execute tool calls sequentially, one at a time per round.
		for _, call := range response.ToolCalls() {
			cfg.emit(Event{Type: EventToolCall, Round: round, Data: map[string]any{
				"tool_name": call.Name,
				"call_id":   call.ID,
			}})
			result, err := runToolStep(ctx, cfg, registry, round, call, sb, state)
			if err != nil {
				return Route(state), err
			}
			session.Append(llm.ToolResultMessage(result.ToolCallID, result.Content, result.IsError))
			cfg.emit(Event{Type: EventToolResult, Round: round, Data: map[string]any{
				"call_id":  call.ID,
				"is_error": result.IsError,
			}})
		}
	}

	decision := Route(state)
	if decision.Kind == Continue {
		cfg.emit(Event{Type: EventRoundLimit, Round: maxRounds})
	}
	return decision, nil
}

// toolStepRecord is the durable record of one tool call: the result the
// model saw plus the file-map snapshot, so a replay restores state effects
// without touching the sandbox again.
type toolStepRecord struct {
	Result llm.ToolResult    `json:"result"`
	Files  map[string]string `json:"files"`
}

// runToolStep executes one tool call, individually durable when a recorder
// is configured: a replayed step returns the recorded result and re-applies
// its file-map effects instead of re-running the sandbox operation.
func runToolStep(ctx context.Context, cfg LoopConfig, registry *Registry, round int, call llm.ToolCallData, sb sandbox.Sandbox, state *State) (llm.ToolResult, error) {
	if cfg.RecordStep == nil {
		return executeToolCall(ctx, registry, call, sb, state), nil
	}

	name := fmt.Sprintf("tool-%d-%s-%s", round, call.Name, call.ID)
	encoded, err := cfg.RecordStep(ctx, name, func(ctx context.Context) (string, error) {
		result := executeToolCall(ctx, registry, call, sb, state)
		data, err := json.Marshal(toolStepRecord{Result: result, Files: state.Files()})
		if err != nil {
			return "", fmt.Errorf("encode tool record: %w", err)
		}
		return string(data), nil
	})
	if err != nil {
		return llm.ToolResult{}, fmt.Errorf("tool step %s: %w", name, err)
	}

	var record toolStepRecord
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return llm.ToolResult{}, fmt.Errorf("tool step %s: decode record: %w", name, err)
	}
	files := make([]File, 0, len(record.Files))
	for path, content := range record.Files {
		files = append(files, File{Path: path, Content: content})
	}
	state.MergeFiles(files)
	return record.Result, nil
}

// executeToolCall looks up and runs one tool call, converting every local
// failure (unknown tool, bad arguments, handler error) into observable text.
func executeToolCall(ctx context.Context, registry *Registry, call llm.ToolCallData, sb sandbox.Sandbox, state *State) llm.ToolResult {
	registered := registry.Get(call.Name)
	if registered == nil {
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Unknown tool: %s", call.Name),
			IsError:    true,
		}
	}

	args := make(map[string]any)
	if len(call.Arguments) > 0 {
		parsed, err := call.ArgumentsMap()
		if err != nil {
			return llm.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Tool error (%s): failed to parse arguments: %s", call.Name, err),
				IsError:    true,
			}
		}
		args = parsed
	}

	output, err := registered.Execute(ctx, args, sb, state)
	if err != nil {
		return llm.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Tool error (%s): %s", call.Name, err),
			IsError:    true,
		}
	}

	return llm.ToolResult{ToolCallID: call.ID, Content: output}
}

// emit sends an event to the configured callback, stamping the current time.
func (c *LoopConfig) emit(evt Event) {
	if c.OnEvent == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	c.OnEvent(evt)
}
