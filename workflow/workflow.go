// ABOUTME: The run orchestration workflow: provision sandbox, seed history, drive the agent loop,
// ABOUTME: post-process, and persist exactly one terminal message with refund compensation on failure.

package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/2389-research/appforge/agent"
	"github.com/2389-research/appforge/credits"
	"github.com/2389-research/appforge/llm"
	"github.com/2389-research/appforge/sandbox"
	"github.com/2389-research/appforge/store"
)

// GenerationCost is the credit cost of one run, refunded on failure.
const GenerationCost = 1

// ErrorDedupWindow suppresses a second ERROR message for the same project
// when one was already persisted within this window, guarding against
// double-reporting when inner and outer handlers fire for one root cause.
const ErrorDedupWindow = 60 * time.Second

// apologyText is the fixed user-visible content of every ERROR message.
// Raw internal error text is never shown to the user.
const apologyText = "Something went wrong. Please try again."

// Trigger initiates one run.
type Trigger struct {
	RunID     string // optional; assigned when empty
	Value     string // the user's natural-language request
	ProjectID string
	UserID    string
}

// Outcome is the structured result at the workflow's public boundary.
// Callers branch on Success; the workflow never reports failure by error.
type Outcome struct {
	Success      bool              `json:"success"`
	URL          string            `json:"url,omitempty"`
	Title        string            `json:"title,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Files        map[string]string `json:"files,omitempty"`
	ErrorMessage string            `json:"message,omitempty"`
}

// CompensationResult records one best-effort compensation attempt in the
// run's audit trail instead of discarding its outcome.
type CompensationResult struct {
	Name      string
	Attempted bool
	Succeeded bool
	Error     string
}

// Run is one invocation of the workflow for one (project, user, request) triple.
type Run struct {
	ID        string
	ProjectID string
	UserID    string
	Request   string
	SandboxID string

	// Compensations is the audit trail of best-effort cleanup attempts.
	Compensations []CompensationResult
}

// Config holds workflow tuning.
type Config struct {
	Model           string
	Provider        string
	SystemPrompt    string
	SandboxTemplate string
	SandboxTimeout  time.Duration // absolute idle timeout applied at provisioning
	MaxRounds       int           // 0 = agent.DefaultMaxRounds
	HistoryWindow   int           // prior messages seeded into the transcript (0 = 5)
	PreviewPort     int           // sandbox port exposed in the preview URL (0 = 3000)
}

// Workflow wires the collaborators for run execution.
type Workflow struct {
	Sandboxes sandbox.Provider
	Store     *store.Store
	Credits   *credits.Ledger
	LLM       *llm.Client
	Steps     *StepLedger
	Config    Config
	OnEvent   func(Event)
}

// loopResult is the durably-recorded outcome of the agent loop step.
type loopResult struct {
	Summary string            `json:"summary"`
	Files   map[string]string `json:"files"`
}

// Execute runs the full workflow for one trigger. It always returns a
// structured Outcome: every failure path funnels through compensation and
// error persistence, and no error escapes this boundary.
func (w *Workflow) Execute(ctx context.Context, trigger Trigger) Outcome {
	run := &Run{
		ID:        trigger.RunID,
		ProjectID: trigger.ProjectID,
		UserID:    trigger.UserID,
		Request:   trigger.Value,
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	w.emit(Event{Type: EventRunStarted, RunID: run.ID})

	outcome, err := w.execute(ctx, run)
	if err != nil {
		// Outer catch-all: any uncaught step failure lands here exactly once.
		log.Printf("run %s failed: %v", run.ID, err)
		return w.persistFailure(ctx, run, true)
	}

	if outcome.Success {
		w.emit(Event{Type: EventRunCompleted, RunID: run.ID})
	}
	return outcome
}

// execute walks the state machine. It returns an error only for structural
// failures bound for the outer handler; expected failure classifications
// (non-convergence, incomplete success) return a failure Outcome directly.
func (w *Workflow) execute(ctx context.Context, run *Run) (Outcome, error) {
	// PROVISIONING
	w.emit(Event{Type: EventStateEntered, RunID: run.ID, State: StateProvisioning})
	sandboxID, err := w.Steps.Do(ctx, run.ID, "provision-sandbox", func(ctx context.Context) (string, error) {
		sb, err := w.Sandboxes.Create(ctx, w.Config.SandboxTemplate)
		if err != nil {
			return "", fmt.Errorf("create sandbox: %w", err)
		}
		if err := sb.SetTimeout(ctx, w.sandboxTimeout()); err != nil {
			return "", fmt.Errorf("set sandbox timeout: %w", err)
		}
		return sb.ID(), nil
	})
	if err != nil {
		return Outcome{}, err
	}
	run.SandboxID = sandboxID

	sb, err := w.Sandboxes.Connect(ctx, run.SandboxID)
	if err != nil {
		return Outcome{}, fmt.Errorf("attach sandbox: %w", err)
	}

	// LOADING_CONTEXT
	w.emit(Event{Type: EventStateEntered, RunID: run.ID, State: StateLoadingContext})
	history, err := doJSON(ctx, w.Steps, run.ID, "load-context", func(ctx context.Context) ([]agent.HistoryRow, error) {
		msgs, err := w.Store.LastMessages(ctx, run.ProjectID, w.historyWindow())
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		rows := make([]agent.HistoryRow, 0, len(msgs))
		for _, m := range msgs {
			rows = append(rows, agent.HistoryRow{Role: string(m.Role), Content: m.Content})
		}
		return rows, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	session := agent.NewSession()
	session.SeedHistory(history)
	session.Append(llm.UserMessage(run.Request))

	// AGENT_LOOP
	w.emit(Event{Type: EventStateEntered, RunID: run.ID, State: StateAgentLoop})
	result, err := doJSON(ctx, w.Steps, run.ID, "agent-loop", func(ctx context.Context) (loopResult, error) {
		state := agent.NewState()
		_, err := agent.RunLoop(ctx, w.LLM, agent.LoopConfig{
			Model:        w.Config.Model,
			Provider:     w.Config.Provider,
			SystemPrompt: w.Config.SystemPrompt,
			MaxRounds:    w.Config.MaxRounds,
			OnEvent:      w.forwardLoopEvent(run.ID),
			RecordStep: func(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) (string, error) {
				return w.Steps.Do(ctx, run.ID, "agent-loop/"+name, fn)
			},
		}, session, sb, state)
		if err != nil {
			return loopResult{}, err
		}
		return loopResult{Summary: state.Summary(), Files: state.Files()}, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	// Completion check: either missing piece fails the run. An agent that
	// talks without producing artifacts, or produces artifacts without
	// signaling completion, is not a success.
	if result.Summary == "" || len(result.Files) == 0 {
		log.Printf("run %s did not converge: summary=%d bytes, files=%d", run.ID, len(result.Summary), len(result.Files))
		return w.persistFailure(ctx, run, false), nil
	}

	// TITLE_AND_RESPONSE: two independent, order-insensitive generations.
	w.emit(Event{Type: EventStateEntered, RunID: run.ID, State: StateTitleAndResponse})
	title, err := w.Steps.Do(ctx, run.ID, "generate-title", func(ctx context.Context) (string, error) {
		return w.generateTitle(ctx, result.Summary)
	})
	if err != nil {
		return Outcome{}, err
	}
	response, err := w.Steps.Do(ctx, run.ID, "generate-response", func(ctx context.Context) (string, error) {
		return w.generateResponse(ctx, result.Summary)
	})
	if err != nil {
		return Outcome{}, err
	}

	// PERSIST_SUCCESS
	w.emit(Event{Type: EventStateEntered, RunID: run.ID, State: StatePersistSuccess})
	url, err := w.Steps.Do(ctx, run.ID, "persist-result", func(ctx context.Context) (string, error) {
		host, err := sb.GetHost(ctx, w.previewPort())
		if err != nil {
			return "", fmt.Errorf("resolve sandbox host: %w", err)
		}
		url := "https://" + host

		msg := &store.Message{
			ProjectID: run.ProjectID,
			Role:      store.RoleAssistant,
			Content:   response,
			Type:      store.TypeResult,
			Fragment: &store.Fragment{
				SandboxURL: url,
				Title:      title,
				Files:      result.Files,
			},
		}
		if err := w.Store.CreateMessage(ctx, msg); err != nil {
			return "", fmt.Errorf("persist result message: %w", err)
		}
		return url, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Success: true,
		URL:     url,
		Title:   title,
		Summary: result.Summary,
		Files:   result.Files,
	}, nil
}

// persistFailure is the single failure path: refund the generation credit
// (best-effort, recorded in the audit trail), persist one ERROR message
// (skipped under the dedup window when deduplicate is set), and report the
// failure as data. The sandbox is left as-is; no teardown call exists on
// any path.
func (w *Workflow) persistFailure(ctx context.Context, run *Run, deduplicate bool) Outcome {
	w.emit(Event{Type: EventStateEntered, RunID: run.ID, State: StatePersistFailure})

	refund := CompensationResult{Name: "refund-credit", Attempted: true, Succeeded: true}
	if err := w.Credits.Reward(ctx, run.UserID, GenerationCost); err != nil {
		// Refund failures are logged, never escalated: error reporting must
		// not be blocked by a secondary fault.
		log.Printf("run %s: credit refund failed for user %s: %v", run.ID, run.UserID, err)
		refund.Succeeded = false
		refund.Error = err.Error()
	}
	run.Compensations = append(run.Compensations, refund)
	w.emit(Event{Type: EventCompensation, RunID: run.ID, Data: map[string]any{
		"name":      refund.Name,
		"succeeded": refund.Succeeded,
	}})

	persist := true
	if deduplicate {
		exists, err := w.Store.RecentErrorExists(ctx, run.ProjectID, ErrorDedupWindow)
		if err != nil {
			log.Printf("run %s: error dedup query failed: %v", run.ID, err)
		} else if exists {
			persist = false
		}
	}
	if persist {
		msg := &store.Message{
			ProjectID: run.ProjectID,
			Role:      store.RoleAssistant,
			Content:   apologyText,
			Type:      store.TypeError,
		}
		if err := w.Store.CreateMessage(ctx, msg); err != nil {
			log.Printf("run %s: persisting error message failed: %v", run.ID, err)
		}
	}

	w.emit(Event{Type: EventRunFailed, RunID: run.ID})
	return Outcome{ErrorMessage: apologyText}
}

// forwardLoopEvent bridges agent loop events into workflow events.
func (w *Workflow) forwardLoopEvent(runID string) func(agent.Event) {
	if w.OnEvent == nil {
		return nil
	}
	return func(evt agent.Event) {
		data := map[string]any{"loop_event": string(evt.Type), "round": evt.Round}
		for k, v := range evt.Data {
			data[k] = v
		}
		w.emit(Event{Type: EventStateEntered, RunID: runID, State: StateAgentLoop, Data: data})
	}
}

func (w *Workflow) sandboxTimeout() time.Duration {
	if w.Config.SandboxTimeout > 0 {
		return w.Config.SandboxTimeout
	}
	return 15 * time.Minute
}

func (w *Workflow) historyWindow() int {
	if w.Config.HistoryWindow > 0 {
		return w.Config.HistoryWindow
	}
	return 5
}

func (w *Workflow) previewPort() int {
	if w.Config.PreviewPort > 0 {
		return w.Config.PreviewPort
	}
	return 3000
}

func (w *Workflow) emit(evt Event) {
	if w.OnEvent == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	w.OnEvent(evt)
}
