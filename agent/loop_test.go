// ABOUTME: Tests for the round-based agent loop driver and router.
// ABOUTME: Covers marker-triggered halt, the round cap, tool error feedback, and history seeding.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/2389-research/appforge/llm"
)

// scriptedAdapter returns pre-configured responses in sequence and records requests.
type scriptedAdapter struct {
	mu        sync.Mutex
	responses []*llm.Response
	repeat    *llm.Response // returned after responses are exhausted
	calls     []llm.Request
}

func (a *scriptedAdapter) Name() string { return "test" }

func (a *scriptedAdapter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := len(a.calls)
	a.calls = append(a.calls, req)
	if idx < len(a.responses) {
		return a.responses[idx], nil
	}
	if a.repeat != nil {
		return a.repeat, nil
	}
	return nil, fmt.Errorf("scriptedAdapter: no response configured for call %d", idx+1)
}

func (a *scriptedAdapter) Close() error { return nil }

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func newTestClient(adapter *scriptedAdapter) *llm.Client {
	return llm.NewClient(llm.WithProvider("test", adapter))
}

func assistantText(text string) *llm.Response {
	return &llm.Response{Message: llm.AssistantMessage(text), FinishReason: llm.FinishStop}
}

func assistantToolCall(callID, name string, args string) *llm.Response {
	return &llm.Response{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: []llm.ContentPart{llm.ToolCallPart(callID, name, json.RawMessage(args))},
		},
		FinishReason: llm.FinishToolCalls,
	}
}

func TestRunLoopHaltsOnTerminalMarker(t *testing.T) {
	adapter := &scriptedAdapter{
		responses: []*llm.Response{
			assistantToolCall("c1", "write_files", `{"files":[{"path":"app/page.tsx","content":"page"}]}`),
			assistantText("working on it"),
			assistantText("<task_summary>Built a counter</task_summary>"),
		},
		repeat: assistantText("should never be called"),
	}
	session := NewSession()
	session.Append(llm.UserMessage("build a counter"))
	state := NewState()

	decision, err := RunLoop(context.Background(), newTestClient(adapter), LoopConfig{
		Model:        "m",
		SystemPrompt: "You are a coding agent.",
	}, session, newFakeSandbox(), state)
	if err != nil {
		t.Fatalf("RunLoop returned error: %v", err)
	}

	if decision.Kind != Done {
		t.Fatalf("decision = %+v, want Done", decision)
	}
	if decision.Summary != "<task_summary>Built a counter</task_summary>" {
		t.Errorf("Summary = %q", decision.Summary)
	}
	// Three responses consumed; the router halts before a fourth call.
	if adapter.callCount() != 3 {
		t.Errorf("adapter called %d times, want 3", adapter.callCount())
	}
	if state.Files()["app/page.tsx"] != "page" {
		t.Errorf("files = %v", state.Files())
	}
}

func TestRunLoopRoundCap(t *testing.T) {
	adapter := &scriptedAdapter{repeat: assistantText("still thinking")}
	state := NewState()

	var sawLimit bool
	decision, err := RunLoop(context.Background(), newTestClient(adapter), LoopConfig{
		Model: "m",
		OnEvent: func(evt Event) {
			if evt.Type == EventRoundLimit {
				sawLimit = true
			}
		},
	}, NewSession(), newFakeSandbox(), state)
	if err != nil {
		t.Fatalf("RunLoop returned error: %v", err)
	}

	if decision.Kind != Continue {
		t.Errorf("decision = %+v, want Continue", decision)
	}
	if adapter.callCount() != DefaultMaxRounds {
		t.Errorf("adapter called %d times, want %d", adapter.callCount(), DefaultMaxRounds)
	}
	if !sawLimit {
		t.Error("round limit event not emitted")
	}
}

func TestRunLoopMarkerMidExplanationTerminates(t *testing.T) {
	// The substring check is exact: a marker mentioned mid-text halts the
	// loop even if the model intended to continue.
	adapter := &scriptedAdapter{
		responses: []*llm.Response{
			assistantText("I will emit <task_summary> once finished, but first..."),
		},
		repeat: assistantText("never reached"),
	}
	state := NewState()

	decision, err := RunLoop(context.Background(), newTestClient(adapter), LoopConfig{Model: "m"}, NewSession(), newFakeSandbox(), state)
	if err != nil {
		t.Fatalf("RunLoop returned error: %v", err)
	}
	if decision.Kind != Done {
		t.Fatalf("decision = %+v, want Done", decision)
	}
	if adapter.callCount() != 1 {
		t.Errorf("adapter called %d times, want 1", adapter.callCount())
	}
}

func TestRunLoopFeedsToolErrorsBack(t *testing.T) {
	adapter := &scriptedAdapter{
		responses: []*llm.Response{
			assistantToolCall("c1", "no_such_tool", `{}`),
			assistantText("<task_summary>recovered</task_summary>"),
		},
	}
	session := NewSession()

	_, err := RunLoop(context.Background(), newTestClient(adapter), LoopConfig{Model: "m"}, session, newFakeSandbox(), NewState())
	if err != nil {
		t.Fatalf("RunLoop returned error: %v", err)
	}

	// The unknown-tool failure must appear as a tool result in the transcript.
	var found bool
	for _, msg := range session.Messages() {
		if msg.Role != llm.RoleTool {
			continue
		}
		for _, part := range msg.Content {
			if part.ToolResult != nil && part.ToolResult.IsError &&
				strings.Contains(part.ToolResult.Content, "Unknown tool") {
				found = true
			}
		}
	}
	if !found {
		t.Error("unknown-tool error not fed back as tool result text")
	}

	// The second LLM request must include the tool result message.
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	second := adapter.calls[1]
	if len(second.Messages) < 3 {
		t.Errorf("second request has %d messages, want system + assistant + tool result", len(second.Messages))
	}
}

func TestRunLoopPropagatesLLMErrors(t *testing.T) {
	adapter := &scriptedAdapter{} // no responses configured -> error on first call
	_, err := RunLoop(context.Background(), newTestClient(adapter), LoopConfig{Model: "m"}, NewSession(), newFakeSandbox(), NewState())
	if err == nil {
		t.Fatal("expected LLM error to propagate")
	}
}

func TestSeedHistoryRoleMapping(t *testing.T) {
	session := NewSession()
	session.SeedHistory([]HistoryRow{
		{Role: "USER", Content: "build a todo app"},
		{Role: "ASSISTANT", Content: "done, here it is"},
		{Role: "SYSTEM_NOTE", Content: "anything else maps to user"},
	})

	msgs := session.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	wantRoles := []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, msgs[i].Role, want)
		}
	}
}

func TestRunLoopToolStepsAreDurable(t *testing.T) {
	script := func() *scriptedAdapter {
		return &scriptedAdapter{responses: []*llm.Response{
			assistantToolCall("c1", "run_command", `{"command":"npm install left-pad"}`),
			assistantToolCall("c2", "write_files", `{"files":[{"path":"a.ts","content":"x"}]}`),
			assistantText("<task_summary>Done</task_summary>"),
		}}
	}

	recorded := make(map[string]string)
	recorder := func(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) (string, error) {
		if v, ok := recorded[name]; ok {
			return v, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return "", err
		}
		recorded[name] = v
		return v, nil
	}

	sb := newFakeSandbox()
	cfg := LoopConfig{Model: "m", Provider: "test", SystemPrompt: "s", RecordStep: recorder}

	session := NewSession()
	session.Append(llm.UserMessage("build it"))
	state := NewState()
	if _, err := RunLoop(context.Background(), newTestClient(script()), cfg, session, sb, state); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(sb.commands) != 1 {
		t.Fatalf("expected 1 executed command after first run, got %d", len(sb.commands))
	}

	// Re-run the same sequence with fresh session and state: recorded tool
	// steps must not hit the sandbox again, but must restore the file map.
	replaySession := NewSession()
	replaySession.Append(llm.UserMessage("build it"))
	replayState := NewState()
	decision, err := RunLoop(context.Background(), newTestClient(script()), cfg, replaySession, sb, replayState)
	if err != nil {
		t.Fatalf("replay run: %v", err)
	}
	if decision.Kind != Done {
		t.Fatalf("replay decision = %q", decision.Kind)
	}
	if len(sb.commands) != 1 {
		t.Errorf("replayed tool step re-ran the command: %d executions", len(sb.commands))
	}
	if got := replayState.Files()["a.ts"]; got != "x" {
		t.Errorf("replay did not restore file map, a.ts = %q", got)
	}
}
