// ABOUTME: End-to-end tests for the run workflow with fake sandbox, scripted LLM, and in-memory stores.
// ABOUTME: Covers the success path, non-convergence, provisioning failure, refund accounting, dedup, and replay.

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/appforge/credits"
	"github.com/2389-research/appforge/llm"
	"github.com/2389-research/appforge/sandbox"
	"github.com/2389-research/appforge/store"
)

// fakeSandbox is an in-memory sandbox.Sandbox for workflow tests.
type fakeSandbox struct {
	id    string
	mu    sync.Mutex
	files map[string]string
}

func (f *fakeSandbox) ID() string { return f.id }

func (f *fakeSandbox) SetTimeout(ctx context.Context, d time.Duration) error { return nil }

func (f *fakeSandbox) GetHost(ctx context.Context, port int) (string, error) {
	return fmt.Sprintf("%d-%s.sandboxes.example.com", port, f.id), nil
}

func (f *fakeSandbox) RunCommand(ctx context.Context, command string, opts sandbox.RunOpts) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{Stdout: "ok\n"}, nil
}

func (f *fakeSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

// fakeProvider tracks created sandboxes and serves reattachment by id.
type fakeProvider struct {
	mu        sync.Mutex
	createErr error
	created   int
	sandboxes map[string]*fakeSandbox
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sandboxes: make(map[string]*fakeSandbox)}
}

func (p *fakeProvider) Create(ctx context.Context, template string) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	sb := &fakeSandbox{id: fmt.Sprintf("sbx-%d", p.created), files: make(map[string]string)}
	p.sandboxes[sb.id] = sb
	return sb, nil
}

func (p *fakeProvider) Connect(ctx context.Context, id string) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox: %s", id)
	}
	return sb, nil
}

func (p *fakeProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// scriptedAdapter returns pre-configured responses in sequence.
type scriptedAdapter struct {
	mu        sync.Mutex
	responses []*llm.Response
	repeat    *llm.Response
	calls     int
}

func (a *scriptedAdapter) Name() string { return "test" }

func (a *scriptedAdapter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.calls
	a.calls++
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
	return a.calls
}

func assistantText(text string) *llm.Response {
	return &llm.Response{Message: llm.AssistantMessage(text), FinishReason: llm.FinishStop}
}

func assistantToolCall(callID, name, args string) *llm.Response {
	return &llm.Response{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: []llm.ContentPart{llm.ToolCallPart(callID, name, json.RawMessage(args))},
		},
		FinishReason: llm.FinishToolCalls,
	}
}

type testEnv struct {
	workflow *Workflow
	provider *fakeProvider
	adapter  *scriptedAdapter
	store    *store.Store
	credits  *credits.Ledger
}

func newTestEnv(t *testing.T, adapter *scriptedAdapter) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ledger, err := credits.Open(":memory:")
	if err != nil {
		t.Fatalf("open credits: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	steps, err := OpenStepLedger(":memory:")
	if err != nil {
		t.Fatalf("open step ledger: %v", err)
	}
	t.Cleanup(func() { steps.Close() })

	provider := newFakeProvider()
	return &testEnv{
		workflow: &Workflow{
			Sandboxes: provider,
			Store:     st,
			Credits:   ledger,
			LLM:       llm.NewClient(llm.WithProvider("test", adapter)),
			Steps:     steps,
			Config: Config{
				Model:        "test-model",
				Provider:     "test",
				SystemPrompt: "You are a coding agent.",
			},
		},
		provider: provider,
		adapter:  adapter,
		store:    st,
		credits:  ledger,
	}
}

func projectMessages(t *testing.T, env *testEnv, projectID string) []store.Message {
	t.Helper()
	msgs, err := env.store.ProjectMessages(context.Background(), projectID)
	if err != nil {
		t.Fatalf("ProjectMessages: %v", err)
	}
	return msgs
}

func TestExecuteSuccess(t *testing.T) {
	adapter := &scriptedAdapter{
		responses: []*llm.Response{
			assistantToolCall("c1", "write_files", `{"files":[{"path":"app/page.tsx","content":"export default function Page() {}"}]}`),
			assistantText("<task_summary>Built a landing page with a hero section.</task_summary>"),
			assistantText("Landing Page"),
			assistantText("Your landing page is ready!"),
		},
	}
	env := newTestEnv(t, adapter)

	outcome := env.workflow.Execute(context.Background(), Trigger{
		Value:     "build a landing page",
		ProjectID: "proj-1",
		UserID:    "user-1",
	})

	if !outcome.Success {
		t.Fatalf("expected success, got failure: %q", outcome.ErrorMessage)
	}
	if outcome.URL != "https://3000-sbx-1.sandboxes.example.com" {
		t.Errorf("URL = %q", outcome.URL)
	}
	if outcome.Title != "Landing Page" {
		t.Errorf("Title = %q", outcome.Title)
	}
	if !strings.Contains(outcome.Summary, "hero section") {
		t.Errorf("Summary = %q", outcome.Summary)
	}
	if len(outcome.Files) != 1 {
		t.Errorf("Files = %v", outcome.Files)
	}

	msgs := projectMessages(t, env, "proj-1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Type != store.TypeResult {
		t.Errorf("message type = %q", msg.Type)
	}
	if msg.Role != store.RoleAssistant {
		t.Errorf("message role = %q", msg.Role)
	}
	if msg.Content != "Your landing page is ready!" {
		t.Errorf("message content = %q", msg.Content)
	}
	if msg.Fragment == nil {
		t.Fatal("expected fragment on RESULT message")
	}
	if msg.Fragment.SandboxURL != outcome.URL {
		t.Errorf("fragment URL = %q", msg.Fragment.SandboxURL)
	}
	if msg.Fragment.Title != "Landing Page" {
		t.Errorf("fragment title = %q", msg.Fragment.Title)
	}
	if msg.Fragment.Files["app/page.tsx"] == "" {
		t.Errorf("fragment files = %v", msg.Fragment.Files)
	}
}

func TestExecuteNoConvergenceFailsWithRefund(t *testing.T) {
	// The agent never emits the terminal marker, so the loop exhausts its
	// round cap and the run fails without throwing.
	adapter := &scriptedAdapter{repeat: assistantText("still thinking about it")}
	env := newTestEnv(t, adapter)
	ctx := context.Background()

	if err := env.credits.Consume(ctx, "user-1", GenerationCost); err != nil {
		t.Fatalf("consume: %v", err)
	}

	outcome := env.workflow.Execute(ctx, Trigger{
		Value:     "build something",
		ProjectID: "proj-1",
		UserID:    "user-1",
	})

	if outcome.Success {
		t.Fatal("expected failure outcome")
	}
	if outcome.ErrorMessage != "Something went wrong. Please try again." {
		t.Errorf("ErrorMessage = %q", outcome.ErrorMessage)
	}
	if got := adapter.callCount(); got != 15 {
		t.Errorf("expected the round cap of 15 LLM calls, got %d", got)
	}

	msgs := projectMessages(t, env, "proj-1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs))
	}
	if msgs[0].Type != store.TypeError {
		t.Errorf("message type = %q", msgs[0].Type)
	}
	if msgs[0].Content != "Something went wrong. Please try again." {
		t.Errorf("message content = %q", msgs[0].Content)
	}
	if msgs[0].Fragment != nil {
		t.Error("ERROR message must not carry a fragment")
	}

	quota, err := env.credits.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota == nil || quota.ConsumedPoints != 0 {
		t.Errorf("expected consumed credits refunded to 0, got %+v", quota)
	}
}

func TestExecuteProvisionFailure(t *testing.T) {
	adapter := &scriptedAdapter{}
	env := newTestEnv(t, adapter)
	env.provider.createErr = fmt.Errorf("sandbox service unavailable")
	ctx := context.Background()

	if err := env.credits.Consume(ctx, "user-1", GenerationCost); err != nil {
		t.Fatalf("consume: %v", err)
	}

	outcome := env.workflow.Execute(ctx, Trigger{
		Value:     "build something",
		ProjectID: "proj-1",
		UserID:    "user-1",
	})

	if outcome.Success {
		t.Fatal("expected failure outcome")
	}
	if outcome.ErrorMessage != "Something went wrong. Please try again." {
		t.Errorf("ErrorMessage = %q", outcome.ErrorMessage)
	}
	if got := adapter.callCount(); got != 0 {
		t.Errorf("LLM should not be called when provisioning fails, got %d calls", got)
	}

	msgs := projectMessages(t, env, "proj-1")
	if len(msgs) != 1 || msgs[0].Type != store.TypeError {
		t.Fatalf("expected exactly one ERROR message, got %v", msgs)
	}

	quota, err := env.credits.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota == nil || quota.ConsumedPoints != 0 {
		t.Errorf("expected credit refunded, got %+v", quota)
	}
}

func TestExecuteRefundsExactlyOnce(t *testing.T) {
	adapter := &scriptedAdapter{}
	env := newTestEnv(t, adapter)
	env.provider.createErr = fmt.Errorf("boom")
	ctx := context.Background()

	// Two consumed credits make a double refund observable.
	if err := env.credits.Consume(ctx, "user-1", 2*GenerationCost); err != nil {
		t.Fatalf("consume: %v", err)
	}

	env.workflow.Execute(ctx, Trigger{Value: "x", ProjectID: "proj-1", UserID: "user-1"})

	quota, err := env.credits.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota == nil || quota.ConsumedPoints != GenerationCost {
		t.Errorf("expected exactly one credit refunded, got %+v", quota)
	}
}

func TestExecuteErrorDeduplication(t *testing.T) {
	adapter := &scriptedAdapter{}
	env := newTestEnv(t, adapter)
	env.provider.createErr = fmt.Errorf("boom")
	ctx := context.Background()

	env.workflow.Execute(ctx, Trigger{Value: "x", ProjectID: "proj-1", UserID: "user-1"})
	env.workflow.Execute(ctx, Trigger{Value: "x again", ProjectID: "proj-1", UserID: "user-1"})

	msgs := projectMessages(t, env, "proj-1")
	if len(msgs) != 1 {
		t.Fatalf("expected the second ERROR within the dedup window to be suppressed, got %d messages", len(msgs))
	}
	if msgs[0].Type != store.TypeError {
		t.Errorf("message type = %q", msgs[0].Type)
	}
}

func TestExecuteReplaySkipsCompletedSteps(t *testing.T) {
	adapter := &scriptedAdapter{
		responses: []*llm.Response{
			assistantToolCall("c1", "write_files", `{"files":[{"path":"main.go","content":"package main"}]}`),
			assistantText("<task_summary>Done.</task_summary>"),
			assistantText("Tiny App"),
			assistantText("All set!"),
		},
	}
	env := newTestEnv(t, adapter)
	trigger := Trigger{RunID: "run-1", Value: "build it", ProjectID: "proj-1", UserID: "user-1"}

	first := env.workflow.Execute(context.Background(), trigger)
	if !first.Success {
		t.Fatalf("first run failed: %q", first.ErrorMessage)
	}
	callsAfterFirst := adapter.callCount()

	second := env.workflow.Execute(context.Background(), trigger)
	if !second.Success {
		t.Fatalf("replay failed: %q", second.ErrorMessage)
	}

	if got := env.provider.createdCount(); got != 1 {
		t.Errorf("replay must reattach, not provision: %d sandboxes created", got)
	}
	if got := adapter.callCount(); got != callsAfterFirst {
		t.Errorf("replay must not re-run the LLM: %d calls after replay, %d after first run", got, callsAfterFirst)
	}
	if msgs := projectMessages(t, env, "proj-1"); len(msgs) != 1 {
		t.Errorf("replay must not persist a second RESULT: got %d messages", len(msgs))
	}
	if second.URL != first.URL || second.Title != first.Title {
		t.Errorf("replay outcome diverged: first=%+v second=%+v", first, second)
	}
}

func TestExecuteMarkerWithoutFilesFails(t *testing.T) {
	// A summary with no written files is an incomplete success and must be
	// treated as a failure.
	adapter := &scriptedAdapter{
		responses: []*llm.Response{
			assistantText("<task_summary>Claimed done without writing anything.</task_summary>"),
		},
	}
	env := newTestEnv(t, adapter)

	outcome := env.workflow.Execute(context.Background(), Trigger{
		Value:     "build something",
		ProjectID: "proj-1",
		UserID:    "user-1",
	})

	if outcome.Success {
		t.Fatal("expected failure for summary without files")
	}
	msgs := projectMessages(t, env, "proj-1")
	if len(msgs) != 1 || msgs[0].Type != store.TypeError {
		t.Fatalf("expected one ERROR message, got %v", msgs)
	}
}

func TestExecuteSeedsHistoryWindow(t *testing.T) {
	adapter := &scriptedAdapter{
		responses: []*llm.Response{
			assistantToolCall("c1", "write_files", `{"files":[{"path":"a.txt","content":"a"}]}`),
			assistantText("<task_summary>Done.</task_summary>"),
			assistantText("Title"),
			assistantText("Response"),
		},
	}
	env := newTestEnv(t, adapter)
	ctx := context.Background()

	// Seven prior turns; only the last five may be seeded.
	for i := 1; i <= 7; i++ {
		msg := &store.Message{
			ProjectID: "proj-1",
			Role:      store.RoleUser,
			Content:   fmt.Sprintf("turn %d", i),
			Type:      store.TypeResult,
		}
		if err := env.store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	var firstLoopRequest *llm.Request
	env.workflow.Config.MaxRounds = 3
	origAdapter := env.adapter
	env.workflow.LLM = llm.NewClient(llm.WithProvider("test", captureAdapter{inner: origAdapter, first: &firstLoopRequest}))

	outcome := env.workflow.Execute(ctx, Trigger{Value: "continue", ProjectID: "proj-1", UserID: "user-1"})
	if !outcome.Success {
		t.Fatalf("run failed: %q", outcome.ErrorMessage)
	}

	if firstLoopRequest == nil {
		t.Fatal("no LLM request captured")
	}
	// system + 5 history turns + the new user request
	if got := len(firstLoopRequest.Messages); got != 7 {
		t.Fatalf("expected 7 messages in first request, got %d", got)
	}
	if text := firstLoopRequest.Messages[1].TextContent(); text != "turn 3" {
		t.Errorf("oldest seeded turn = %q, want %q", text, "turn 3")
	}
	if text := firstLoopRequest.Messages[6].TextContent(); text != "continue" {
		t.Errorf("final message = %q, want the new request", text)
	}
}

// captureAdapter records the first request it sees, then delegates.
type captureAdapter struct {
	inner *scriptedAdapter
	first **llm.Request
}

func (c captureAdapter) Name() string { return "test" }

func (c captureAdapter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if *c.first == nil {
		r := req
		*c.first = &r
	}
	return c.inner.Complete(ctx, req)
}

func (c captureAdapter) Close() error { return nil }
