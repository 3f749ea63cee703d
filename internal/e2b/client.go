// ABOUTME: REST client for E2B-style sandbox providers
// ABOUTME: Control plane creates, reconnects and kills sandboxes; envd runs commands and moves files

package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/forge-gateway/internal/sandbox"
)

const (
	// envdPort is the port of the in-sandbox agent daemon.
	envdPort = 49983

	// defaultHTTPTimeout bounds control plane calls that carry no deadline of their own.
	defaultHTTPTimeout = 60 * time.Second
)

// ErrSandboxNotFound is returned when the provider has no sandbox with the requested id.
var ErrSandboxNotFound = errors.New("sandbox not found")

// APIError is a non-2xx response from the provider.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: provider returned status %d: %s", e.Op, e.Status, strings.TrimSpace(e.Body))
}

// Unwrap maps 404 responses to ErrSandboxNotFound.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrSandboxNotFound
	}
	return nil
}

// Config holds the provider connection settings.
type Config struct {
	// APIURL is the control plane base URL.
	APIURL string
	APIKey string
	// Domain is the default sandbox domain when the provider does not return one.
	Domain   string
	Template string
	// EnvdURL overrides the per-sandbox envd base URL.
	EnvdURL string
	// ConnectLifetime is the lifetime requested when reattaching to a sandbox.
	ConnectLifetime time.Duration
	// HTTPClient is used for every request. Defaults to a client with a 60s timeout.
	HTTPClient *http.Client
}

// Client talks to the provider. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sandbox API key is required")
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("sandbox API URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.EnvdURL = strings.TrimRight(cfg.EnvdURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "e2b"),
	}, nil
}

type createRequest struct {
	TemplateID string `json:"templateID"`
	Timeout    int    `json:"timeout"`
}

type connectRequest struct {
	Timeout int `json:"timeout"`
}

type sandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain,omitempty"`
}

// Create starts a new sandbox from the configured template.
func (c *Client) Create(ctx context.Context, lifetime time.Duration) (sandbox.Instance, error) {
	req := createRequest{
		TemplateID: c.cfg.Template,
		Timeout:    seconds(lifetime),
	}

	var resp sandboxResponse
	if err := c.controlPlaneCall(ctx, "create sandbox", http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, err
	}
	if resp.SandboxID == "" {
		return nil, fmt.Errorf("create sandbox: provider returned no sandbox id")
	}

	c.logger.Info("sandbox created", "remote_id", resp.SandboxID, "template", c.cfg.Template, "lifetime", lifetime)
	return c.instance(resp), nil
}

// Connect reattaches to a running sandbox and extends its lifetime.
func (c *Client) Connect(ctx context.Context, remoteID string) (sandbox.Instance, error) {
	req := connectRequest{Timeout: seconds(c.cfg.ConnectLifetime)}

	var resp sandboxResponse
	path := "/sandboxes/" + remoteID + "/connect"
	if err := c.controlPlaneCall(ctx, "connect sandbox", http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	if resp.SandboxID == "" {
		resp.SandboxID = remoteID
	}

	c.logger.Debug("sandbox connected", "remote_id", resp.SandboxID)
	return c.instance(resp), nil
}

func (c *Client) instance(resp sandboxResponse) *Sandbox {
	domain := resp.Domain
	if domain == "" {
		domain = c.cfg.Domain
	}
	return &Sandbox{
		client:      c,
		id:          resp.SandboxID,
		domain:      domain,
		accessToken: resp.EnvdAccessToken,
	}
}

// kill deletes a sandbox. A sandbox that is already gone is not an error.
func (c *Client) kill(ctx context.Context, remoteID string) error {
	err := c.controlPlaneCall(ctx, "kill sandbox", http.MethodDelete, "/sandboxes/"+remoteID, nil, nil)
	if errors.Is(err, ErrSandboxNotFound) {
		c.logger.Debug("sandbox already gone", "remote_id", remoteID)
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Info("sandbox killed", "remote_id", remoteID)
	return nil
}

// controlPlaneCall sends a JSON request to the control plane and decodes the reply into result.
func (c *Client) controlPlaneCall(ctx context.Context, op, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%s: decoding response: %w", op, err)
		}
	}
	return nil
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

var _ sandbox.Provisioner = (*Client)(nil)
