// ABOUTME: Entry point for forge-gateway, the sandboxed agent chat server
// ABOUTME: Dispatches serve, init, token, sweep, health and chat subcommands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/forge-gateway/internal/config"
	"github.com/2389/forge-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
   __                                  _
  / _| ___  _ __ __ _  ___        __ _| |_ _____      ____ _ _   _
 | |_ / _ \| '__/ _' |/ _ \_____ / _' | __/ _ \ \ /\ / / _' | | | |
 |  _| (_) | | | (_| |  __/_____| (_| | ||  __/\ V  V / (_| | |_| |
 |_|  \___/|_|  \__, |\___|      \__, |\__\___| \_/\_/ \__,_|\__, |
                |___/            |___/                       |___/
`

// getDataPath returns the forge data directory.
// Priority: XDG_DATA_HOME/forge > ~/.local/share/forge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "forge")
}

func usage() {
	fmt.Println("Usage: forge-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  token --user ID [--ttl 720h]   Issue an API token for a user")
	fmt.Println("  sweep                          Reclaim stale sandboxes once and exit")
	fmt.Println("  health                         Check gateway readiness")
	fmt.Println("  chat --agent ID [MESSAGE]      Chat with an agent from the terminal")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(args)
	case "sweep":
		err = runSweep(ctx)
	case "health":
		err = runHealth(ctx)
	case "chat":
		err = runChat(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	yellow := color.New(color.FgYellow)
	row := func(label, format string, args ...any) {
		color.New(color.FgGreen).Print("    ▶ ")
		fmt.Printf("%-11s", label+":")
		fmt.Printf(format, args...)
	}

	row("Config", "%s\n", configPath)
	row("HTTP", "%s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		row("gRPC", "%s\n", cfg.Server.GRPCAddr)
	}
	row("Sandboxes", "%s ", cfg.Sandbox.APIURL)
	gray.Printf("(template %s, lifetime %s)\n", cfg.Sandbox.Template, cfg.Sandbox.Lifetime)

	if cfg.Reaper.Enabled {
		row("Reaper", "every %s, stale after %s", cfg.Reaper.Interval, cfg.Reaper.StaleAfter)
		if cfg.Reaper.RedisAddr != "" {
			yellow.Printf(" [redis %s]", cfg.Reaper.RedisAddr)
		}
		fmt.Println()
	}

	if cfg.Tailscale.Enabled {
		row("Tailscale", "")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! Auth disabled: every request acts as the local user")
	}
	fmt.Println()

	logger.Info("starting forge-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, level: level}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler writes one colorized line per record. Handlers derived via
// WithAttrs and WithGroup share the parent's mutex.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	writeAttr := func(a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(os.Stdout, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{mu: h.mu, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, level: h.level, attrs: h.attrs, groups: newGroups}
}
