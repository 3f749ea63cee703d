// ABOUTME: Health checks against the relay running inside a sandbox
// ABOUTME: WaitReady polls until the agent runtime is ready; Alive is a single reachability probe

package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ProberConfig bounds the health checks.
type ProberConfig struct {
	Attempts        int
	Interval        time.Duration
	AttemptTimeout  time.Duration
	LivenessTimeout time.Duration

	// HTTPClient is used for every probe. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Prober checks relay health over HTTPS.
type Prober struct {
	cfg    ProberConfig
	client *http.Client
	logger *slog.Logger
}

type healthResponse struct {
	Status     string `json:"status"`
	AgentReady bool   `json:"agent_ready"`
}

// NewProber creates a prober. Pass nil logger for default.
func NewProber(cfg ProberConfig, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Prober{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "prober"),
	}
}

// WaitReady polls https://host/health until it answers 2xx with agent_ready
// set, or the attempt budget runs out.
func (p *Prober) WaitReady(ctx context.Context, host string) error {
	for i := 0; i < p.cfg.Attempts; i++ {
		if p.ready(ctx, host) {
			p.logger.Info("relay ready", "host", host, "attempt", i+1)
			return nil
		}
		if i > 0 && i%5 == 0 {
			p.logger.Info("waiting for relay", "host", host, "attempt", i+1, "of", p.cfg.Attempts)
		}
		if i == p.cfg.Attempts-1 {
			break
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &HealthTimeoutError{Host: host, Attempts: p.cfg.Attempts}
}

func (p *Prober) ready(ctx context.Context, host string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	resp, err := p.get(ctx, host)
	if err != nil {
		p.logger.Debug("health probe failed", "host", host, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		p.logger.Debug("health body unreadable", "host", host, "error", err)
		return false
	}
	return health.AgentReady
}

// Alive issues one probe and succeeds on any 2xx. The agent_ready flag is
// not consulted here.
func (p *Prober) Alive(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.LivenessTimeout)
	defer cancel()

	resp, err := p.get(ctx, host)
	if err != nil {
		return fmt.Errorf("probing %s: %w", host, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probing %s: status %d", host, resp.StatusCode)
	}
	return nil
}

func (p *Prober) get(ctx context.Context, host string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+host+"/health", nil)
	if err != nil {
		return nil, err
	}
	return p.client.Do(req)
}
