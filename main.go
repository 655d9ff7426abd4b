// relay TUI - streaming multi-provider chat in the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/relay-tui/internal/config"
	"github.com/jeranaias/relay-tui/internal/engine"
	"github.com/jeranaias/relay-tui/internal/executor"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/provider"
	"github.com/jeranaias/relay-tui/internal/provider/acp"
	"github.com/jeranaias/relay-tui/internal/provider/openai"
	"github.com/jeranaias/relay-tui/internal/store"
	"github.com/jeranaias/relay-tui/internal/ui/chat"
	"github.com/jeranaias/relay-tui/internal/ui/styles"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("relay %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg := config.Global()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := runTUI(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runTUI(cfg *config.Config) error {
	// Open the snapshot store and restore prior sessions.
	dbPath, err := cfg.StoragePath()
	if err != nil {
		return fmt.Errorf("resolving storage path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer db.Close()

	snap, err := db.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not restore sessions: %v\n", err)
		snap = nil
	}

	// Wire the engine: adapter factory, tool registry, debounced saver.
	tools, schemas := builtinTools()
	eng := engine.New(engine.Options{
		Factory:     adapterFactory(cfg),
		Tools:       tools,
		ToolSchemas: schemas,
		Concurrency: cfg.Executor.Concurrency,
	}, snap)

	saver := store.NewSaver(db, eng.Snapshot, cfg.SaveQuiet())
	eng.SetPersist(saver.Schedule)
	defer func() {
		saver.Flush()
		saver.Close()
	}()
	defer eng.Close()

	if eng.ActiveSession() == nil {
		eng.NewSession(model.NormalizeProvider(cfg.Provider))
	}

	m := chat.New(eng, cfg, styles.NewTheme())
	defer m.Close()

	p := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running relay: %w", err)
	}
	return nil
}

// adapterFactory builds the backend adapter for a provider from the
// loaded configuration.
func adapterFactory(cfg *config.Config) engine.AdapterFactory {
	return func(p model.Provider) (provider.Adapter, error) {
		switch p {
		case model.ProviderACP:
			if cfg.Agent.Command == "" {
				return nil, fmt.Errorf("no agent command configured (set agent.command or RELAY_AGENT_CMD)")
			}
			return acp.New(acp.Config{
				Command:    cfg.Agent.Command,
				Args:       cfg.Agent.Args,
				WorkingDir: cfg.Agent.WorkingDir,
			}), nil
		case model.ProviderOpenAI:
			return openai.New(openai.Config{
				BaseURL:      cfg.OpenAI.BaseURL,
				APIKey:       cfg.OpenAI.APIKey,
				Model:        cfg.OpenAI.Model,
				ChatPath:     cfg.OpenAI.ChatPath,
				SystemPrompt: cfg.SystemPrompt,
			}), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", p)
		}
	}
}

// builtinTools registers the read-only local capabilities offered to
// HTTP backends, plus the schemas advertised for them.
func builtinTools() (*executor.Registry, []provider.ToolSchema) {
	reg := executor.NewRegistry()

	reg.Register("read_file", func(ctx context.Context, args map[string]any) (string, error) {
		path, _ := args["path"].(string)
		if path == "" {
			return "", fmt.Errorf("read_file: missing path")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		const maxBytes = 64 * 1024
		if len(data) > maxBytes {
			data = data[:maxBytes]
		}
		return string(data), nil
	})

	reg.Register("list_dir", func(ctx context.Context, args map[string]any) (string, error) {
		path, _ := args["path"].(string)
		if path == "" {
			path = "."
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil
	})

	schemas := []provider.ToolSchema{
		{
			Name:        "read_file",
			Description: "Read a local file and return its contents (truncated to 64 KiB).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path of the file to read",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a local directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory to list (defaults to the working directory)",
					},
				},
			},
		},
	}
	return reg, schemas
}
