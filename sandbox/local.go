// ABOUTME: Local sandbox implementation that runs commands on the host under a scratch directory.
// ABOUTME: Used for development and tests; mirrors the remote contract including streamed output callbacks.

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalProvider implements Provider by creating per-sandbox scratch
// directories on the host. Command execution uses /bin/bash.
type LocalProvider struct {
	// BaseDir is the parent directory for sandbox scratch dirs.
	// Empty means the system temp directory.
	BaseDir string
}

// NewLocalProvider creates a local provider rooted at baseDir.
func NewLocalProvider(baseDir string) *LocalProvider {
	return &LocalProvider{BaseDir: baseDir}
}

// Create makes a fresh scratch directory and returns a sandbox rooted there.
// The template name is recorded but has no effect locally.
func (p *LocalProvider) Create(ctx context.Context, template string) (Sandbox, error) {
	base := p.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	id := "local-" + uuid.NewString()
	root := filepath.Join(base, id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &localSandbox{id: id, root: root, template: template}, nil
}

// Connect reattaches to an existing local sandbox directory by id.
func (p *LocalProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	base := p.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	root := filepath.Join(base, id)
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("connect sandbox %s: %w", id, err)
	}
	return &localSandbox{id: id, root: root}, nil
}

type localSandbox struct {
	id       string
	root     string
	template string
	deadline time.Time
}

func (s *localSandbox) ID() string { return s.id }

// SetTimeout records the idle deadline. Local sandboxes are not reaped; the
// deadline exists so the provisioning step behaves identically to remote.
func (s *localSandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	s.deadline = time.Now().Add(d)
	return nil
}

func (s *localSandbox) GetHost(ctx context.Context, port int) (string, error) {
	return fmt.Sprintf("localhost:%d", port), nil
}

func (s *localSandbox) RunCommand(ctx context.Context, command string, opts RunOpts) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = s.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run command: %w", err)
		}
	}

	if opts.OnStdout != nil && stdout.Len() > 0 {
		opts.OnStdout(stdout.String())
	}
	if opts.OnStderr != nil && stderr.Len() > 0 {
		opts.OnStderr(stderr.String())
	}

	return &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

func (s *localSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(s.resolve(path))
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}
	return string(data), nil
}

func (s *localSandbox) WriteFile(ctx context.Context, path, content string) error {
	full := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	return nil
}

// resolve maps sandbox paths onto the scratch directory. Absolute paths are
// re-rooted so the agent's absolute-path reads stay inside the sandbox.
func (s *localSandbox) resolve(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	return filepath.Join(s.root, filepath.FromSlash(trimmed))
}
