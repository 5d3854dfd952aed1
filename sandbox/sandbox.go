// ABOUTME: Defines the Provider and Sandbox interfaces for the remote execution service.
// ABOUTME: Provides the abstraction layer that decouples agent tools from where sandboxes run.

package sandbox

import (
	"context"
	"time"
)

// Provider provisions isolated, network-reachable compute sandboxes.
type Provider interface {
	// Create provisions a new sandbox from the named template.
	Create(ctx context.Context, template string) (Sandbox, error)

	// Connect reattaches to an existing sandbox by id, used when a run is
	// replayed after its provisioning step already completed.
	Connect(ctx context.Context, id string) (Sandbox, error)
}

// Sandbox is one provisioned compute environment. A sandbox is exclusively
// owned by a single run for its lifetime; no cross-run sharing.
type Sandbox interface {
	// ID returns the provider-assigned sandbox identifier.
	ID() string

	// SetTimeout sets the sandbox's absolute idle timeout. The sandbox is
	// reclaimed by the provider after this duration regardless of run state.
	SetTimeout(ctx context.Context, d time.Duration) error

	// GetHost resolves the public hostname serving the given sandbox port.
	GetHost(ctx context.Context, port int) (string, error)

	// RunCommand executes a shell command inside the sandbox. Output streams
	// are delivered incrementally through opts callbacks when set, and always
	// captured in the returned result.
	RunCommand(ctx context.Context, command string, opts RunOpts) (*CommandResult, error)

	// ReadFile reads a file by absolute path within the sandbox filesystem.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile writes content to a sandbox-relative path, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, path, content string) error
}

// RunOpts carries optional incremental output callbacks for RunCommand.
type RunOpts struct {
	OnStdout func(chunk string)
	OnStderr func(chunk string)
}

// CommandResult holds the outcome of a command execution.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}
