// ABOUTME: HTTP client implementation of the sandbox Provider against a REST execution service.
// ABOUTME: Translates Create/SetTimeout/GetHost/RunCommand/ReadFile/WriteFile into JSON API calls.

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL string        // e.g. "https://api.sandboxes.example.com"
	APIKey  string        // bearer token for the service
	Timeout time.Duration // per-request HTTP timeout (default 60s)
}

// HTTPProvider implements Provider against a REST sandbox service.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

// NewHTTPProvider creates a provider for the service at cfg.BaseURL.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type createRequest struct {
	Template string `json:"template"`
}

type createResponse struct {
	SandboxID string `json:"sandbox_id"`
}

// Create provisions a new sandbox from the named template.
func (p *HTTPProvider) Create(ctx context.Context, template string) (Sandbox, error) {
	var resp createResponse
	err := p.doJSON(ctx, http.MethodPost, "/v1/sandboxes", createRequest{Template: template}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("create sandbox: service returned empty sandbox id")
	}
	return &httpSandbox{provider: p, id: resp.SandboxID}, nil
}

// Connect reattaches to an existing sandbox by id. The service is probed so
// stale ids fail here rather than on the first command.
func (p *HTTPProvider) Connect(ctx context.Context, id string) (Sandbox, error) {
	var resp struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := p.doJSON(ctx, http.MethodGet, "/v1/sandboxes/"+id, nil, &resp); err != nil {
		return nil, fmt.Errorf("connect sandbox %s: %w", id, err)
	}
	return &httpSandbox{provider: p, id: id}, nil
}

// doJSON executes a JSON request/response round trip against the service.
func (p *HTTPProvider) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox service %s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// httpSandbox is one remote sandbox handle bound to its provider.
type httpSandbox struct {
	provider *HTTPProvider
	id       string
}

func (s *httpSandbox) ID() string { return s.id }

func (s *httpSandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	path := fmt.Sprintf("/v1/sandboxes/%s/timeout", s.id)
	body := map[string]any{"timeout_ms": d.Milliseconds()}
	if err := s.provider.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("set sandbox timeout: %w", err)
	}
	return nil
}

func (s *httpSandbox) GetHost(ctx context.Context, port int) (string, error) {
	path := fmt.Sprintf("/v1/sandboxes/%s/host?port=%d", s.id, port)
	var resp struct {
		Host string `json:"host"`
	}
	if err := s.provider.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("get sandbox host: %w", err)
	}
	return resp.Host, nil
}

func (s *httpSandbox) RunCommand(ctx context.Context, command string, opts RunOpts) (*CommandResult, error) {
	path := fmt.Sprintf("/v1/sandboxes/%s/commands", s.id)
	body := map[string]any{"command": command}
	var resp struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	}
	if err := s.provider.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("run command: %w", err)
	}

	// The REST transport delivers output in one piece; surface it through the
	// incremental callbacks so callers observe the same contract either way.
	if opts.OnStdout != nil && resp.Stdout != "" {
		opts.OnStdout(resp.Stdout)
	}
	if opts.OnStderr != nil && resp.Stderr != "" {
		opts.OnStderr(resp.Stderr)
	}

	return &CommandResult{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, nil
}

func (s *httpSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	apiPath := fmt.Sprintf("/v1/sandboxes/%s/files/read", s.id)
	var resp struct {
		Content string `json:"content"`
	}
	if err := s.provider.doJSON(ctx, http.MethodPost, apiPath, map[string]string{"path": path}, &resp); err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}
	return resp.Content, nil
}

func (s *httpSandbox) WriteFile(ctx context.Context, path, content string) error {
	apiPath := fmt.Sprintf("/v1/sandboxes/%s/files/write", s.id)
	body := map[string]string{"path": path, "content": content}
	if err := s.provider.doJSON(ctx, http.MethodPost, apiPath, body, nil); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	return nil
}
