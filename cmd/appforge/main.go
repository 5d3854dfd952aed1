// ABOUTME: Entrypoint for the appforge server: config load, store and ledger setup,
// ABOUTME: LLM and sandbox wiring, workflow construction, and HTTP serving.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/2389-research/appforge/agent"
	"github.com/2389-research/appforge/config"
	"github.com/2389-research/appforge/credits"
	"github.com/2389-research/appforge/llm"
	"github.com/2389-research/appforge/sandbox"
	"github.com/2389-research/appforge/store"
	"github.com/2389-research/appforge/web"
	"github.com/2389-research/appforge/workflow"
)

var version = "dev"

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("WARNING: loading .env: %v", err)
	}

	var (
		configPath  = flag.String("config", "appforge.yaml", "Path to config file")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("appforge %s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("appforge: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "messages.db"))
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer st.Close()

	ledger, err := credits.Open(filepath.Join(cfg.DataDir, "credits.db"),
		credits.WithTiers(cfg.Credits.FreePoints, cfg.Credits.ProPoints),
		credits.WithWindow(cfg.Credits.Window.Std()),
	)
	if err != nil {
		return fmt.Errorf("open credit ledger: %w", err)
	}
	defer ledger.Close()

	steps, err := workflow.OpenStepLedger(filepath.Join(cfg.DataDir, "workflow.db"))
	if err != nil {
		return fmt.Errorf("open step ledger: %w", err)
	}
	defer steps.Close()

	var openaiOpts []llm.OpenAIOption
	if cfg.Model.BaseURL != "" {
		openaiOpts = append(openaiOpts, llm.WithOpenAIBaseURL(cfg.Model.BaseURL))
	}
	client := llm.NewClient(
		llm.WithProvider("openai", llm.NewOpenAIAdapter(cfg.Model.APIKey, openaiOpts...)),
		llm.WithDefaultProvider(cfg.Model.Provider),
	)
	defer client.Close()

	var sandboxes sandbox.Provider
	if cfg.Sandbox.BaseURL != "" {
		sandboxes = sandbox.NewHTTPProvider(sandbox.HTTPProviderConfig{
			BaseURL: cfg.Sandbox.BaseURL,
			APIKey:  cfg.Sandbox.APIKey,
		})
	} else {
		log.Printf("WARNING: no sandbox service configured, using local scratch directories")
		sandboxes = sandbox.NewLocalProvider(filepath.Join(cfg.DataDir, "sandboxes"))
	}

	wf := &workflow.Workflow{
		Sandboxes: sandboxes,
		Store:     st,
		Credits:   ledger,
		LLM:       client,
		Steps:     steps,
		Config: workflow.Config{
			Model:           cfg.Model.Name,
			Provider:        cfg.Model.Provider,
			SystemPrompt:    agent.DefaultSystemPrompt,
			SandboxTemplate: cfg.Sandbox.Template,
			SandboxTimeout:  cfg.Sandbox.Timeout.Std(),
			MaxRounds:       cfg.Agent.MaxRounds,
			HistoryWindow:   cfg.Agent.HistoryWindow,
			PreviewPort:     cfg.Agent.PreviewPort,
		},
		OnEvent: func(evt workflow.Event) {
			log.Printf("workflow event type=%s run=%s state=%s", evt.Type, evt.RunID, evt.State)
		},
	}

	srv := web.NewServer(wf, st, ledger, web.ServerConfig{Addr: cfg.ListenAddr})
	log.Printf("appforge %s listening on %s (model=%s, data=%s)", version, cfg.ListenAddr, cfg.Model.Name, cfg.DataDir)
	return srv.ListenAndServe()
}
