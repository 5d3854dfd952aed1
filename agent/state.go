// ABOUTME: Shared mutable agent state scoped to one run: summary text plus the accumulated file map.
// ABOUTME: Tool handlers and the response observation hook write it; the router and persistence read it.

package agent

import "sync"

// File is one path/content pair handled by the write and read tools.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// State is the accumulator shared across all tool invocations within one run.
// Summary stays empty until the agent emits its terminal marker; Files maps
// sandbox-relative paths to full file content. Files never shrinks within a
// run: writes insert or overwrite, never delete.
type State struct {
	mu      sync.Mutex
	summary string
	files   map[string]string
}

// NewState creates an empty State.
func NewState() *State {
	return &State{files: make(map[string]string)}
}

// Summary returns the terminal summary text, or "" if not yet signaled.
func (s *State) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// SetSummary records the terminal summary text verbatim.
func (s *State) SetSummary(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = text
}

// MergeFiles inserts or overwrites the given files by path (last write wins).
func (s *State) MergeFiles(files []File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		s.files[f.Path] = f.Content
	}
}

// Files returns a snapshot copy of the file map.
func (s *State) Files() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]string, len(s.files))
	for k, v := range s.files {
		snapshot[k] = v
	}
	return snapshot
}

// FileCount returns the number of accumulated files.
func (s *State) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}
