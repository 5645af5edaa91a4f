// Package main provides the CLI entry point for the genforge code
// generation server.
//
// genforge drives a hierarchical Stage Machine per request, using a
// beam-search sub-agent to expand candidate edits against a Workspace and
// streaming progress/diff events back to the caller.
//
// # Basic Usage
//
// Start the server:
//
//	genforge serve --addr :8080
//
// # Configuration
//
// A YAML (or JSON5) file passed via --config supplies defaults; the
// following environment variables always take precedence over both the
// file and genforge's built-in defaults:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models, used as the
//     commit-message model unless overridden
//   - GENFORGE_BASE_IMAGE: container image used as every session's
//     Workspace base
//   - GENFORGE_WORKSPACE_DIR: host directory the Docker executor
//     materializes base-image content into
//   - GENFORGE_ADDR: address the HTTP server listens on
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/appforge/genforge/internal/config"
	"github.com/appforge/genforge/internal/coordinator"
	"github.com/appforge/genforge/internal/llmgateway"
	"github.com/appforge/genforge/internal/validator"
	"github.com/appforge/genforge/internal/workspace"
	"github.com/appforge/genforge/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// applyLogConfig rebuilds the default slog logger from the loaded config,
// replacing main's bootstrap logger once the config file (if any) and
// environment overrides are known.
func applyLogConfig(obs config.ObservabilityConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(obs.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if obs.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "genforge",
		Short:        "genforge - agentic code generation server",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var addr, configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the genforge HTTP server",
		Long: `Start the genforge HTTP server.

The server will:
1. Load configuration from --config (if given) and the environment
2. Wire the LLM Gateway against Anthropic and OpenAI
3. Wire the Validator Suite and Docker-backed Workspace executor
4. Register the trpc and legacy stage-graph templates
5. Serve POST /v1/generate, streaming newline-delimited Events

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			applyLogConfig(cfg.Observability)
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address the HTTP server listens on")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML or JSON5 config file")
	return cmd
}

func buildDependencies(cfg *config.Config) coordinator.Dependencies {
	gw := llmgateway.New(map[string]llmgateway.Provider{
		"anthropic": llmgateway.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey, ""),
		"openai":    llmgateway.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIBaseURL, ""),
	})

	return coordinator.Dependencies{
		Gateway:        gw,
		Validator:      validator.New(gw, cfg.LLM.CommitProvider, cfg.LLM.CommitModel),
		Snapshots:      coordinator.NewMemorySnapshotStore(),
		Executor:       workspace.NewDockerExecutor(cfg.Workspace.Dir, cfg.Workspace.BaseImage),
		BaseImage:      cfg.Workspace.BaseImage,
		Permissions:    workspace.Permissions{ProtectedPrefixes: []string{".git/"}},
		Provider:       cfg.LLM.Provider,
		Model:          cfg.LLM.Model,
		CommitProvider: cfg.LLM.CommitProvider,
		CommitModel:    cfg.LLM.CommitModel,
		Templates: map[string]coordinator.Template{
			"trpc":   coordinator.TrpcTemplate,
			"legacy": coordinator.LegacyTemplate,
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	deps := buildDependencies(cfg)
	coord := coordinator.New(deps)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", generateHandler(coord))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("genforge listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// generateHandler decodes a GenRequest and streams its Events back as
// newline-delimited JSON, flushing after each one so a client sees progress
// as it happens rather than buffered until the turn ends.
func generateHandler(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req models.GenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		events, err := coord.Handle(r.Context(), &req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)

		flusher, canFlush := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				slog.Error("encode event", "error", err)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}
