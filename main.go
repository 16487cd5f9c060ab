// rigchat - streaming terminal chat for a local llama.cpp server.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/rigchat/internal/backend"
	"github.com/jeranaias/rigchat/internal/cli"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/docstore"
	"github.com/jeranaias/rigchat/internal/engine"
	"github.com/jeranaias/rigchat/internal/infer"
	"github.com/jeranaias/rigchat/internal/logging"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/store"
	"github.com/jeranaias/rigchat/internal/stream"
	"github.com/jeranaias/rigchat/internal/tools"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "", "config file (default ~/.rigchat/config.toml)")
		completionURL = flag.String("completion-url", "", "inference server base URL (overrides config)")
		toolsURL      = flag.String("tools-url", "", "tool backend base URL (overrides config)")
		logLevel      = flag.String("log-level", "", "log level: trace, debug, info, warn, error")
		logPretty     = flag.Bool("log-pretty", false, "human-readable log output")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("rigchat %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *completionURL != "" {
		cfg.Server.CompletionURL = strings.TrimRight(*completionURL, "/")
	}
	if *toolsURL != "" {
		cfg.Server.ToolsURL = strings.TrimRight(*toolsURL, "/")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logPretty {
		cfg.Log.Pretty = true
	}

	if err := config.EnsureConfigDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, resolvedPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration and the path /tools toggles are
// persisted to.
func loadConfig(override string) (*config.Config, string, error) {
	if override != "" {
		cfg, err := config.LoadFromPath(override)
		return cfg, override, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, "", err
	}
	path, pathErr := config.ConfigPath()
	if pathErr != nil {
		path = ""
	}
	return cfg, path, nil
}

// run wires the engine and hands control to the REPL.
func run(cfg *config.Config, configPath string) error {
	logCfg := logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty}

	inferClient := infer.NewClient(infer.Config{
		BaseURL:        cfg.Server.CompletionURL,
		ConnectTimeout: secs(cfg.Server.ConnectTimeoutSecs),
		ReadTimeout:    secs(cfg.Server.ReadTimeoutSecs),
	}, logging.NewWithComponent(logCfg, "infer"))

	consumer := stream.NewConsumer(inferClient, stream.DefaultConfig(),
		logging.NewWithComponent(logCfg, "stream"))

	backendClient := backend.NewClient(cfg.Server.ToolsURL,
		logging.NewWithComponent(logCfg, "backend"))

	docs, err := docstore.New(cfg.Docs.MaxEmbedBytes,
		time.Duration(cfg.Docs.WatchDebounceMs)*time.Millisecond,
		logging.NewWithComponent(logCfg, "docstore"))
	if err != nil {
		return fmt.Errorf("failed to start document store: %w", err)
	}
	defer docs.Close()

	sessionPath, err := cfg.SessionPath()
	if err != nil {
		return err
	}
	sessions, err := store.Open(sessionPath, cfg.Session.MaxSessions,
		logging.NewWithComponent(logCfg, "store"))
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()

	historyPath := ""
	if dir, dirErr := config.ConfigDir(); dirErr == nil {
		historyPath = filepath.Join(dir, "chat_history")
	}

	app := cli.NewApp(cli.Options{
		Config:      cfg,
		ConfigPath:  configPath,
		Docs:        docs,
		Sessions:    sessions,
		Backend:     backendClient,
		HistoryPath: historyPath,
		Version:     Version,
		Logger:      logging.NewWithComponent(logCfg, "cli"),
	})

	dispatcher := tools.NewDispatcher(backendClient, app, tools.Config{
		WebSearchEnabled: cfg.Tools.WebSearch,
		FilesEnabled:     cfg.Tools.Files,
		FilesMaxBytes:    cfg.Tools.FilesMaxBytes,
	}, logging.NewWithComponent(logCfg, "tools"))

	eng := engine.New(consumer, dispatcher, inferClient, model.NewConversation(),
		app, app.Settings, docs, logging.NewWithComponent(logCfg, "engine"))

	app.Bind(eng, dispatcher)
	return app.Run()
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
