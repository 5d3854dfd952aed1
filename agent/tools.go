// ABOUTME: Tool registry and the three sandbox-bound tools: run_command, write_files, read_files.
// ABOUTME: Execution failures are folded into the returned text so the model can observe and react to them.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/2389-research/appforge/llm"
	"github.com/2389-research/appforge/sandbox"
)

// RegisteredTool pairs a tool definition with its execute function. Execute
// returns the text handed back to the model; it returns a Go error only for
// malformed arguments, which the loop also converts into observable text.
type RegisteredTool struct {
	Definition llm.ToolDefinition
	Execute    func(ctx context.Context, args map[string]any, sb sandbox.Sandbox, state *State) (string, error)
}

// Registry manages a thread-safe collection of registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*RegisteredTool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*RegisteredTool)}
}

// Register adds or replaces a tool. Returns an error for empty tool names.
func (r *Registry) Register(tool *RegisteredTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = tool
	return nil
}

// Get returns the registered tool with the given name, or nil if not found.
func (r *Registry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns all tool definitions from registered tools.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	return defs
}

// DefaultRegistry returns a registry with the three sandbox tools registered.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.Register(NewRunCommandTool())
	_ = registry.Register(NewWriteFilesTool())
	_ = registry.Register(NewReadFilesTool())
	return registry
}

// getStringArg extracts a string argument, returning an error if missing or wrong type.
func getStringArg(args map[string]any, key string, required bool) (string, error) {
	val, ok := args[key]
	if !ok || val == nil {
		if required {
			return "", fmt.Errorf("missing required parameter: %s", key)
		}
		return "", nil
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, val)
	}
	return s, nil
}

// NewRunCommandTool creates the tool that executes shell commands in the sandbox.
// Failures (non-zero exit or transport errors) are returned as formatted text,
// never as errors, so the agent can self-correct from ordinary tool output.
func NewRunCommandTool() *RegisteredTool {
	return &RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "run_command",
			Description: "Execute a shell command inside the sandbox and return its output.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {
						"type": "string",
						"description": "The shell command to run"
					}
				},
				"required": ["command"]
			}`),
		},
		Execute: func(ctx context.Context, args map[string]any, sb sandbox.Sandbox, state *State) (string, error) {
			command, err := getStringArg(args, "command", true)
			if err != nil {
				return "", err
			}

			var stdout, stderr strings.Builder
			result, runErr := sb.RunCommand(ctx, command, sandbox.RunOpts{
				OnStdout: func(chunk string) { stdout.WriteString(chunk) },
				OnStderr: func(chunk string) { stderr.WriteString(chunk) },
			})

			if runErr != nil {
				return fmt.Sprintf("Command failed: %v\nstdout: %s\nstderr: %s", runErr, stdout.String(), stderr.String()), nil
			}
			if result.ExitCode != 0 {
				return fmt.Sprintf("Command failed with exit code %d\nstdout: %s\nstderr: %s", result.ExitCode, result.Stdout, result.Stderr), nil
			}
			return result.Stdout, nil
		},
	}
}

// NewWriteFilesTool creates the tool that writes files to the sandbox and
// merges them into the run's file map. On any failure mid-batch the state is
// left untouched and an error-tagged string is returned; writes already sent
// to the sandbox are not rolled back.
func NewWriteFilesTool() *RegisteredTool {
	return &RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "write_files",
			Description: "Create or update files in the sandbox.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"files": {
						"type": "array",
						"description": "The files to write",
						"items": {
							"type": "object",
							"properties": {
								"path": {"type": "string"},
								"content": {"type": "string"}
							},
							"required": ["path", "content"]
						}
					}
				},
				"required": ["files"]
			}`),
		},
		Execute: func(ctx context.Context, args map[string]any, sb sandbox.Sandbox, state *State) (string, error) {
			files, err := parseFilesArg(args)
			if err != nil {
				return "", err
			}

			for _, f := range files {
				if writeErr := sb.WriteFile(ctx, f.Path, f.Content); writeErr != nil {
					return fmt.Sprintf("Error writing files: %v", writeErr), nil
				}
			}

			state.MergeFiles(files)

			paths := make([]string, 0, len(files))
			for _, f := range files {
				paths = append(paths, f.Path)
			}
			return fmt.Sprintf("Wrote %d file(s): %s", len(files), strings.Join(paths, ", ")), nil
		},
	}
}

// NewReadFilesTool creates the tool that reads files from the sandbox by
// absolute path. Returns a JSON-encoded list of {path, content} objects, or
// an error-tagged string on failure. Pure read, no state mutation.
func NewReadFilesTool() *RegisteredTool {
	return &RegisteredTool{
		Definition: llm.ToolDefinition{
			Name:        "read_files",
			Description: "Read files from the sandbox by absolute path.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"paths": {
						"type": "array",
						"description": "Absolute paths of the files to read",
						"items": {"type": "string"}
					}
				},
				"required": ["paths"]
			}`),
		},
		Execute: func(ctx context.Context, args map[string]any, sb sandbox.Sandbox, state *State) (string, error) {
			rawPaths, ok := args["paths"].([]any)
			if !ok {
				return "", fmt.Errorf("parameter paths must be an array of strings")
			}

			contents := make([]File, 0, len(rawPaths))
			for _, raw := range rawPaths {
				path, ok := raw.(string)
				if !ok {
					return "", fmt.Errorf("parameter paths must contain only strings, got %T", raw)
				}
				content, readErr := sb.ReadFile(ctx, path)
				if readErr != nil {
					return fmt.Sprintf("Error reading files: %v", readErr), nil
				}
				contents = append(contents, File{Path: path, Content: content})
			}

			encoded, err := json.Marshal(contents)
			if err != nil {
				return fmt.Sprintf("Error encoding file contents: %v", err), nil
			}
			return string(encoded), nil
		},
	}
}

// parseFilesArg decodes the write_files "files" argument into File values.
func parseFilesArg(args map[string]any) ([]File, error) {
	raw, ok := args["files"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("missing required parameter: files")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parameter files is not encodable: %w", err)
	}
	var files []File
	if err := json.Unmarshal(encoded, &files); err != nil {
		return nil, fmt.Errorf("parameter files must be a list of {path, content}: %w", err)
	}
	for _, f := range files {
		if f.Path == "" {
			return nil, fmt.Errorf("file entries must have a non-empty path")
		}
	}
	return files, nil
}
