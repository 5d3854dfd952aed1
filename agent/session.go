// ABOUTME: Session transcript for the coding agent, holding ordered conversation messages.
// ABOUTME: Provides history seeding from persisted conversation rows with role mapping.

package agent

import (
	"sync"

	"github.com/google/uuid"

	"github.com/2389-research/appforge/llm"
)

// Session holds the agent's conversation transcript for one run.
type Session struct {
	ID string

	mu      sync.Mutex
	history []llm.Message
}

// NewSession creates an empty session with a fresh ID.
func NewSession() *Session {
	return &Session{ID: uuid.NewString()}
}

// Append adds messages to the end of the transcript.
func (s *Session) Append(msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
}

// Messages returns a snapshot copy of the transcript.
func (s *Session) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of messages in the transcript.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// HistoryRow is one persisted conversation turn used to seed the transcript.
type HistoryRow struct {
	Role    string // "ASSISTANT" or anything else (treated as user)
	Content string
}

// SeedHistory appends prior conversation turns, oldest-first, mapping the
// persisted ASSISTANT role to assistant and every other role to user. This
// gives the agent short-term memory without unbounded context growth; the
// caller bounds the row count.
func (s *Session) SeedHistory(rows []HistoryRow) {
	for _, row := range rows {
		if row.Role == "ASSISTANT" {
			s.Append(llm.AssistantMessage(row.Content))
		} else {
			s.Append(llm.UserMessage(row.Content))
		}
	}
}
