// Placefinder is a conversational place recommendation agent.
//
// It answers free-form requests ("somewhere quiet for coffee near the
// Kremlin") by letting an LLM reasoner drive a small set of retrieval
// tools over a local place catalogue, and returns a short reply together
// with the places it found.
//
// Usage:
//
//	placefinder serve                  Start the API server
//	placefinder init [dir]             Write a default config.yaml
//	placefinder ask <message>          Run a single turn (for testing)
//	placefinder import <places.json>   Load places and generate embeddings
//	placefinder version                Print version and build information
//	placefinder -o json version        Output version information as JSON
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/nugget/placefinder/examples"
	"github.com/nugget/placefinder/internal/agent"
	"github.com/nugget/placefinder/internal/api"
	"github.com/nugget/placefinder/internal/buildinfo"
	"github.com/nugget/placefinder/internal/chat"
	"github.com/nugget/placefinder/internal/config"
	"github.com/nugget/placefinder/internal/ingest"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; fatal
// errors are returned to main. Arguments are parsed by hand to keep
// flag.CommandLine globals out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: placefinder ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "import":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: placefinder import <places.json>")
		}
		return runImport(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	b := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	fmt.Fprintln(w, b.String())
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", b.GoVersion)
	fmt.Fprintf(w, "  %-12s %s\n", "platform:", b.Platform)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Placefinder - conversational place recommendations")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: placefinder [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Start the API server")
	fmt.Fprintln(w, "  init [dir]           Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <message>        Run a single turn (for testing)")
	fmt.Fprintln(w, "  import <places.json> Load places and generate embeddings")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/placefinder/config.yaml, /etc/placefinder/config.yaml")
	return nil
}

// runInit writes the bundled example config into dir. An existing
// config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "%s already exists, leaving it alone\n", path)
		return nil
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "Wrote %s\n", path)
	return nil
}

// runAsk runs one turn without session state and prints the reply.
// Logs go to stderr so stdout carries only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.loop.Process(ctx, agent.Request{
		Message: strings.Join(args, " "),
		UserID:  "cli",
	})

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Text)
	for i, p := range resp.Places {
		fmt.Fprintf(stdout, "  %d. %s (%.1f)", i+1, p.Name, p.Rating)
		if p.Address != "" {
			fmt.Fprintf(stdout, " %s", p.Address)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// runImport loads a JSON array of places into the store and embeds the
// well-rated ones into the vector index.
func runImport(ctx context.Context, stdout io.Writer, configPath, filePath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("importing places", "file", filePath)

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := ingest.NewPlaceIngester(a.store, a.index, a.embedder, logger).IngestFile(ctx, filePath)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Fprintf(stdout, "Imported %d places (%d embedded, %d skipped) from %s\n",
		res.Places, res.Embedded, res.Skipped, filePath)
	return nil
}

// runServe starts the API server and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	b := buildinfo.Get()
	logger.Info("starting placefinder", "version", b.Version, "commit", b.GitCommit, "built", b.BuildTime, "modified", b.Modified)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"llm_provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"native_tools", cfg.LLM.NativeTools,
		"session_backend", cfg.Session.Backend,
		"tracing", cfg.Tracing.Enabled,
	)

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := chat.New(chat.Config{
		Processor:    a.loop,
		Sessions:     a.sessions,
		Interactions: a.store,
		Profiles:     a.retrieval,
		Logger:       logger,
	})
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, svc, a.store, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// In-flight turns get up to one agent budget to finish.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Agent.MaxExecutionTime+5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("placefinder stopped")
	return nil
}

// configuredLogger builds the logger described by cfg. The level was
// already validated by config.Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
