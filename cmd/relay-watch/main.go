package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/sirsinexus/relay/internal/app"
	"github.com/sirsinexus/relay/internal/client"
	"github.com/sirsinexus/relay/internal/config"
	"github.com/sirsinexus/relay/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	wsURL := flag.String("url", "", "Relay WebSocket URL (overrides config)")
	mock := flag.Bool("mock", false, "Use the built-in simulator instead of a relay")
	logFile := flag.String("log", "", "Write client logs to this file")
	check := flag.Bool("check", false, "Print the relay's health and state, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *wsURL != "" {
		cfg.Client.URL = *wsURL
	}
	if *mock {
		cfg.Client.Mock = true
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}

	if *check {
		if err := printCheck(client.HTTPBase(cfg.Client.URL)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, err := logging.NewFile(cfg.Logging.Level, cfg.Logging.Development, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	relay := client.New(client.Options{
		URL:                  cfg.Client.URL,
		ReconnectInterval:    cfg.Client.ReconnectInterval,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Client.HeartbeatInterval,
		User:                 cfg.Client.User,
		UseMock:              cfg.Client.Mock,
		Logger:               logger,
	})

	m := app.New(relay, app.Options{
		URL:         cfg.Client.URL,
		MaxAttempts: cfg.Client.MaxReconnectAttempts,
		Mock:        cfg.Client.Mock,
	})
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		logger.Error("relay-watch exited", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printCheck(base string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	hc := client.NewHTTPClient(base)
	health, err := hc.Health(ctx)
	if err != nil {
		return err
	}
	state, err := hc.State(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(map[string]any{"health": health, "state": state}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
