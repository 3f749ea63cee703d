// ABOUTME: Operator subcommands: init, token, sweep, health and a terminal chat client
// ABOUTME: The client-side commands talk to a running gateway over its HTTP API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/forge-gateway/internal/auth"
	"github.com/2389/forge-gateway/internal/client"
	"github.com/2389/forge-gateway/internal/config"
	"github.com/2389/forge-gateway/internal/gateway"
)

// defaultTokenTTL is how long issued tokens stay valid.
const defaultTokenTTL = 30 * 24 * time.Hour

// tokenPath is where issued tokens are saved for the client commands.
func tokenPath() string {
	return filepath.Join(filepath.Dir(config.DefaultPath()), "token")
}

// getToken returns FORGE_TOKEN or the saved token file contents.
func getToken() string {
	if token := os.Getenv("FORGE_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// gatewayURL returns FORGE_URL or the configured HTTP address.
func gatewayURL() (string, error) {
	if u := os.Getenv("FORGE_URL"); u != "" {
		return u, nil
	}
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return "", fmt.Errorf("loading config (or set FORGE_URL): %w", err)
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func newClient() (*client.Client, error) {
	baseURL, err := gatewayURL()
	if err != nil {
		return nil, err
	}
	return client.New(baseURL, getToken(), nil), nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("forge-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "gateway.db"))

	fmt.Println("\n--- Sandbox Configuration ---")
	apiKey := prompt(reader, "Sandbox API key", "${E2B_API_KEY}")
	openAIKey := prompt(reader, "OpenAI API key for agents", "${OPENAI_API_KEY}")
	template := prompt(reader, "Sandbox template", config.DefaultTemplate)

	fmt.Println("\n--- Auth Configuration ---")
	var jwtSecret string
	if yes(prompt(reader, "Require API tokens?", "yes")) {
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = secret
	}
	cronSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating cron secret: %w", err)
	}

	fmt.Println("\n--- Reaper Configuration ---")
	redisAddr := prompt(reader, "Redis address for the sweep lock (empty for single replica)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# forge-gateway configuration\n")
	cfg.WriteString("# Generated by forge-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("auth:\n")
	if jwtSecret != "" {
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n", jwtSecret)
	}
	fmt.Fprintf(&cfg, "  cron_secret: %q\n\n", cronSecret)

	cfg.WriteString("sandbox:\n")
	fmt.Fprintf(&cfg, "  api_key: %q\n", apiKey)
	fmt.Fprintf(&cfg, "  openai_api_key: %q\n", openAIKey)
	fmt.Fprintf(&cfg, "  template: %q\n", template)
	cfg.WriteString("  lifetime: \"10m\"\n\n")

	cfg.WriteString("reaper:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  interval: \"5m\"\n")
	cfg.WriteString("  stale_after: \"30m\"\n")
	if redisAddr != "" {
		fmt.Fprintf(&cfg, "  redis_addr: %q\n", redisAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	if jwtSecret != "" {
		fmt.Println("  forge-gateway token --user you   # issue an API token")
	}
	fmt.Println("  forge-gateway serve              # start the server")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

// runToken issues a signed token for a user and saves it for the client commands.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "User ID to embed as the token subject")
	ttl := fs.Duration("ttl", defaultTokenTTL, "Token lifetime")
	save := fs.Bool("save", true, "Save the token for forge-gateway chat")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*userID) == "" {
		return errors.New("--user is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured; the gateway runs without tokens")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*userID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		path := tokenPath()
		if err := os.WriteFile(path, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s (expires %s)\n", path, time.Now().Add(*ttl).Format("Jan 02, 2006"))
	}

	fmt.Println(token)
	return nil
}

// runSweep performs one reaper pass against the configured store and provider.
func runSweep(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer gw.Shutdown(context.Background())

	result, err := gw.Sweep(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runHealth(ctx context.Context) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

// runChat sends one message, or runs a prompt loop when no message is given.
func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	agentID := fs.String("agent", "", "Agent ID to chat with")
	sessionID := fs.String("session", "", "Session ID to continue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agentID == "" {
		return errors.New("--agent is required")
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	if message := strings.Join(fs.Args(), " "); message != "" {
		turn := chatTurn(ctx, c, *agentID, *sessionID, message)
		if turn.State == client.StateFailed {
			return turn.Err
		}
		return nil
	}

	gray := color.New(color.FgHiBlack)
	gray.Println("Type a message and press enter. Ctrl-D to quit.")

	session := *sessionID
	scanner := bufio.NewScanner(os.Stdin)
	for {
		color.New(color.FgGreen, color.Bold).Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}

		turn := chatTurn(ctx, c, *agentID, session, message)
		if turn.SessionID != "" {
			session = turn.SessionID
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func chatTurn(ctx context.Context, c *client.Client, agentID, sessionID, message string) *client.Turn {
	turn := c.Chat(ctx, agentID, sessionID, message, func(delta string) {
		fmt.Print(delta)
	})

	switch turn.State {
	case client.StateCompleted:
		fmt.Println()
	case client.StateStopped:
		color.New(color.FgYellow).Println(" (stopped)")
	case client.StateFailed:
		fmt.Println()
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", turn.Err)
	}
	if turn.SessionID != "" {
		color.New(color.FgHiBlack).Printf("session %s\n", turn.SessionID)
	}
	return turn
}
