// Command musicr is the main entry point for the musicr real-time chat
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cfiorelli/musicr/internal/app"
	"github.com/cfiorelli/musicr/internal/config"
	"github.com/cfiorelli/musicr/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "musicr: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "musicr: %v\n", err)
		}
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("musicr starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Observability ───────────────────────────────────────────────────
	otelCtx := context.Background()
	shutdownTelemetry, err := observe.InitProvider(otelCtx, observe.ProviderConfig{ServiceName: "musicr"})
	if err != nil {
		slog.Error("failed to initialise telemetry providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Application wiring ───────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ─────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          musicr — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Listen addr", cfg.Server.ListenAddr)
	printField("Embeddings", providerLabel(cfg.Providers.Embeddings.Primary))
	printField("Embed fallback", providerLabel(cfg.Providers.Embeddings.Fallback))
	printField("Postgres", redactedDSN(cfg.Memory.PostgresDSN))
	if cfg.Bus.URL == "" {
		printField("Bus", "standalone")
	} else {
		printField("Bus", "redis")
	}
	fmt.Printf("║  Match top-K     : %-19d ║\n", cfg.Matching.TopK)
	fmt.Printf("║  Rate limit      : %-19s ║\n", fmt.Sprintf("%.1f/s burst %d", cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(entry config.ProviderEntry) string {
	if entry.Name == "" {
		return "(not configured)"
	}
	if entry.Model != "" {
		return entry.Name + " / " + entry.Model
	}
	return entry.Name
}

// redactedDSN strips credentials from a Postgres DSN before it is ever
// printed to a terminal or log stream: a URL-form DSN loses everything before
// its last '@', and a key=value DSN carrying a password is hidden entirely.
func redactedDSN(dsn string) string {
	if dsn == "" {
		return "(not configured)"
	}
	at := -1
	for i := len(dsn) - 1; i >= 0; i-- {
		if dsn[i] == '@' {
			at = i
			break
		}
	}
	if at == -1 {
		if strings.Contains(dsn, "password=") {
			return "(redacted)"
		}
		return dsn
	}
	return "…" + dsn[at:]
}

func printField(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s: %-19s ║\n", label, value)
}

// ── Logger ───────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
