// ABOUTME: HTTP API server behind a single chi router: trigger runs, read conversation
// ABOUTME: history, and inspect credit quota. JSON in, JSON (or rendered HTML) out.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389-research/appforge/credits"
	"github.com/2389-research/appforge/store"
	"github.com/2389-research/appforge/workflow"
)

// maxTriggerBody caps the run trigger request body.
const maxTriggerBody = 1 << 20

// Runner executes one workflow run. Satisfied by *workflow.Workflow.
type Runner interface {
	Execute(ctx context.Context, trigger workflow.Trigger) workflow.Outcome
}

// Server is the appforge HTTP API server.
type Server struct {
	runner  Runner
	store   *store.Store
	credits *credits.Ledger
	router  chi.Router
	addr    string
}

// ServerConfig holds the configuration for the API server.
type ServerConfig struct {
	Addr           string // listen address (default: "127.0.0.1:8080")
	GenerationCost int    // credit cost per run (default: workflow.GenerationCost)
}

// NewServer creates a Server with all routes configured.
func NewServer(runner Runner, st *store.Store, ledger *credits.Ledger, cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.GenerationCost <= 0 {
		cfg.GenerationCost = workflow.GenerationCost
	}

	s := &Server{
		runner:  runner,
		store:   st,
		credits: ledger,
		addr:    cfg.Addr,
	}
	s.router = s.buildRouter(cfg.GenerationCost)
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured address. The write
// timeout is generous because run triggers block until the workflow finishes.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      15 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	return srv.ListenAndServe()
}

func (s *Server) buildRouter(generationCost int) chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/runs", s.handleTriggerRun(generationCost))
			r.Get("/messages", s.handleMessages)
		})
		r.Get("/users/{userID}/credits", s.handleCredits)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// triggerRequest is the body of POST /api/projects/{projectID}/runs.
type triggerRequest struct {
	Value  string `json:"value"`
	UserID string `json:"user_id"`
}

// handleTriggerRun consumes one generation credit and runs the workflow to
// completion. The workflow refunds the credit itself on failure, so the
// handler only reports the outcome.
func (s *Server) handleTriggerRun(generationCost int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggerBody))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		var req triggerRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if req.Value == "" || req.UserID == "" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "value and user_id are required"})
			return
		}

		if err := s.credits.Consume(r.Context(), req.UserID, generationCost); err != nil {
			if errors.Is(err, credits.ErrInsufficientCredits) {
				writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "out of credits"})
				return
			}
			log.Printf("consume credit for user %s: %v", req.UserID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}

		outcome := s.runner.Execute(r.Context(), workflow.Trigger{
			Value:     req.Value,
			ProjectID: projectID,
			UserID:    req.UserID,
		})
		writeJSON(w, http.StatusOK, outcome)
	}
}

// messageView is the JSON shape of one conversation message.
type messageView struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	HTML      string        `json:"html,omitempty"`
	Type      string        `json:"type"`
	CreatedAt time.Time     `json:"created_at"`
	Fragment  *fragmentView `json:"fragment,omitempty"`
}

type fragmentView struct {
	SandboxURL string            `json:"sandbox_url"`
	Title      string            `json:"title"`
	Files      map[string]string `json:"files"`
}

// handleMessages returns the project's conversation, oldest first. With
// ?format=html each message also carries its markdown rendered to HTML.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	renderHTML := r.URL.Query().Get("format") == "html"

	msgs, err := s.store.ProjectMessages(r.Context(), projectID)
	if err != nil {
		log.Printf("list messages for project %s: %v", projectID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		v := messageView{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Type:      string(m.Type),
			CreatedAt: m.CreatedAt,
		}
		if renderHTML {
			v.HTML = string(markdownToHTML(m.Content))
		}
		if m.Fragment != nil {
			v.Fragment = &fragmentView{
				SandboxURL: m.Fragment.SandboxURL,
				Title:      m.Fragment.Title,
				Files:      m.Fragment.Files,
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleCredits returns the user's current quota window.
func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	quota, err := s.credits.Get(r.Context(), userID)
	if err != nil {
		log.Printf("get quota for user %s: %v", userID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if quota == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active_window": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_window":        true,
		"remaining_points":     quota.RemainingPoints,
		"consumed_points":      quota.ConsumedPoints,
		"ms_before_next":       quota.MsBeforeNext,
		"is_first_in_duration": quota.IsFirstInDuration,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
