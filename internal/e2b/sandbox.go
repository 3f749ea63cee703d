// ABOUTME: Handle to one live sandbox, backed by the provider's envd data plane
// ABOUTME: Runs shell commands and transfers files over HTTP with the sandbox access token

package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/2389/forge-gateway/internal/sandbox"
)

// backgroundLaunchTimeout bounds the shell that detaches a background command.
const backgroundLaunchTimeout = 10 * time.Second

// Sandbox implements sandbox.Instance for one remote sandbox.
type Sandbox struct {
	client      *Client
	id          string
	domain      string
	accessToken string
}

// ID returns the provider's sandbox id.
func (s *Sandbox) ID() string {
	return s.id
}

// Host returns the public hostname routed to port inside the sandbox.
func (s *Sandbox) Host(port int) string {
	return fmt.Sprintf("%d-%s.%s", port, s.id, s.domain)
}

// Kill destroys the sandbox.
func (s *Sandbox) Kill(ctx context.Context) error {
	return s.client.kill(ctx, s.id)
}

type runRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

type runResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Run executes cmd with bash -l -c and waits for it to exit or for timeout to pass.
func (s *Sandbox) Run(ctx context.Context, cmd string, timeout time.Duration) (*sandbox.CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(runRequest{Cmd: "/bin/bash", Args: []string{"-l", "-c", cmd}})
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.envdURL()+"/commands/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Token", s.accessToken)

	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Op: "run command", Status: resp.StatusCode, Body: string(errBody)}
	}

	var result runResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding command result: %w", err)
	}

	return &sandbox.CommandResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}, nil
}

// RunBackground launches cmd detached from the envd request so it outlives the call.
func (s *Sandbox) RunBackground(ctx context.Context, cmd string) error {
	wrapped := "nohup sh -c " + shellquote.Join(cmd) + " > /dev/null 2>&1 &"
	result, err := s.Run(ctx, wrapped, backgroundLaunchTimeout)
	if err != nil {
		return fmt.Errorf("launching background command: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("launching background command: exit %d: %s", result.ExitCode, result.Output())
	}
	return nil
}

// WriteFile uploads content to path inside the sandbox.
func (s *Sandbox) WriteFile(ctx context.Context, filePath, content string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", path.Base(filePath))
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return fmt.Errorf("writing form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.filesURL(filePath), &buf)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Access-Token", s.accessToken)

	resp, err := s.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("writing %s: %w", filePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		return &APIError{Op: "write " + filePath, Status: resp.StatusCode, Body: string(errBody)}
	}
	return nil
}

// ReadFile downloads the file at path inside the sandbox.
func (s *Sandbox) ReadFile(ctx context.Context, filePath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.filesURL(filePath), nil)
	if err != nil {
		return "", fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("X-Access-Token", s.accessToken)

	resp, err := s.client.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filePath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filePath, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Op: "read " + filePath, Status: resp.StatusCode, Body: string(data)}
	}
	return string(data), nil
}

func (s *Sandbox) envdURL() string {
	if s.client.cfg.EnvdURL != "" {
		return s.client.cfg.EnvdURL
	}
	return fmt.Sprintf("https://%d-%s.%s", envdPort, s.id, s.domain)
}

func (s *Sandbox) filesURL(filePath string) string {
	return s.envdURL() + "/files?path=" + url.QueryEscape(filePath)
}

var _ sandbox.Instance = (*Sandbox)(nil)
