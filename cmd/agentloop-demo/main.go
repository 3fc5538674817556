// Package main is a minimal command-line driver for the agentloop runtime:
// it wires one provider, a couple of demonstration tools, and prints every
// LoopStep to stdout as the chat loop runs. Grounded on cmd/nexus/main.go's
// cobra root-command shape (buildRootCmd separated from main for testing),
// scoped down from nexus's full channel-gateway CLI to a single "run"
// subcommand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fennelabs/agentloop/internal/chatloop"
	"github.com/fennelabs/agentloop/internal/config"
	"github.com/fennelabs/agentloop/internal/loopdetect"
	"github.com/fennelabs/agentloop/internal/metrics"
	"github.com/fennelabs/agentloop/internal/providers"
	"github.com/fennelabs/agentloop/internal/toolkit"
	"github.com/fennelabs/agentloop/pkg/model"
)

var configPath string

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentloop-demo",
		Short:        "Drive one turn of the agentloop chat loop against a real provider",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "agentloop.yaml", "path to the runtime config YAML file")
	rootCmd.AddCommand(buildRunCmd())
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a single user prompt through the chat loop until completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), args[0])
		},
	}
}

func runOnce(ctx context.Context, prompt string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	wire, err := buildWire(cfg.Provider)
	if err != nil {
		return err
	}

	driver := providers.New(wire, cfg.Model, cfg.Generation)
	registry := demoToolRegistry()
	metricsReg := metrics.New()
	priorState := driver.State()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	initial := []model.Message{{Role: model.RoleUser, Content: prompt}}

	resp, err := chatloop.Run(ctx, driver, initial, registry.ToolsForLLM(), chatloop.Config{
		Registry:      registry,
		MaxRounds:     cfg.MaxRounds,
		LoopDetection: cfg.LoopDetection.ToLoopDetectConfig(),
		OnThinking: func(text string) {
			fmt.Fprintf(os.Stderr, "[thinking] %s", text)
		},
		OnContent: func(text string) {
			fmt.Print(text)
		},
		OnToolCalls: func(calls []model.ToolCall) {
			for _, c := range calls {
				fmt.Fprintf(os.Stderr, "\n[tool call] %s(%s)\n", c.Name, string(c.Arguments))
			}
		},
		OnToolResults: func(results []model.ToolResult) {
			for _, r := range results {
				fmt.Fprintf(os.Stderr, "[tool result] %s\n", r.Content)
			}
		},
		OnLoopDetected: func(det *loopdetect.Detection) loopdetect.Action {
			fmt.Fprintf(os.Stderr, "\n[loop detected] %s action=%s\n", det.Kind, det.Action)
			return det.Action
		},
	})
	if err != nil {
		return fmt.Errorf("chat loop: %w", err)
	}

	metricsReg.Observe(cfg.Provider, driver.State(), priorState)

	fmt.Println()
	fmt.Fprintf(os.Stderr, "\n[done] rounds=%d tokens=%d\n", resp.Rounds, resp.Usage.Total())
	return nil
}

func buildWire(name string) (providers.WireClient, error) {
	switch name {
	case "openai":
		return providers.NewOpenAIWireFromEnv()
	case "anthropic":
		return providers.NewAnthropicWireFromEnv()
	case "azure":
		return providers.NewAzureWireFromEnv()
	case "openrouter":
		return providers.NewOpenRouterWireFromEnv()
	case "ollama":
		return providers.NewOllamaWireFromEnv(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (want openai, anthropic, azure, openrouter, or ollama)", name)
	}
}

// demoToolRegistry wires a couple of illustrative tools so the CLI has
// something to call: an echo tool and a simple arithmetic tool.
func demoToolRegistry() *toolkit.Registry {
	registry := toolkit.New()
	_ = registry.Register(echoTool{})
	_ = registry.Register(addTool{})
	return registry
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes the provided text back" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`)
}
func (echoTool) Execute(ctx context.Context, args json.RawMessage) (*model.ToolResult, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return &model.ToolResult{Content: in.Text}, nil
}

type addTool struct{}

func (addTool) Name() string        { return "add" }
func (addTool) Description() string { return "adds two numbers" }
func (addTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["a","b"],"properties":{"a":{"type":"number"},"b":{"type":"number"}}}`)
}
func (addTool) Execute(ctx context.Context, args json.RawMessage) (*model.ToolResult, error) {
	var in struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return &model.ToolResult{Content: fmt.Sprintf("%g", in.A+in.B)}, nil
}
