// Package main is the entry point for the chatflow service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tcmartin/chatflow/pkg/api"
	"github.com/tcmartin/chatflow/pkg/broadcast"
	"github.com/tcmartin/chatflow/pkg/config"
	"github.com/tcmartin/chatflow/pkg/engine"
	"github.com/tcmartin/chatflow/pkg/loader"
	"github.com/tcmartin/chatflow/pkg/logging"
	"github.com/tcmartin/chatflow/pkg/registry"
	"github.com/tcmartin/chatflow/pkg/storage"
)

const appVersion = "0.1.0"

var configPath string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:     "chatflow",
		Short:   "Conversation flow engine for chatbots",
		Version: appVersion,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(serveCommand())
	root.AddCommand(validateCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Logging)

			provider, err := storage.NewProviderFromConfig(cfg.Storage)
			if err != nil {
				return fmt.Errorf("storage setup: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = provider.Initialize(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("storage init: %w", err)
			}
			defer provider.Close()

			flowRegistry := registry.NewFlowRegistry(provider.FlowStore(), loader.NewLoader(), logger)
			eng := engine.NewEngine(flowRegistry, provider.ConversationStore(), engine.Options{
				WebhookTimeout:   time.Duration(cfg.Engine.WebhookTimeoutSeconds) * time.Second,
				WebhookBackoff:   time.Duration(cfg.Engine.WebhookRetryBackoffMs) * time.Millisecond,
				InputRetryBudget: cfg.Engine.InputRetryBudget,
				MaxStepsPerEvent: cfg.Engine.MaxStepsPerEvent,
				HistoryLimit:     cfg.Engine.HistoryLimit,
			}, logger)

			scheduler := broadcast.NewScheduler(
				provider.BroadcastStore(),
				provider.ConversationStore(),
				logSender{logger: logger},
				logger,
			)
			if err := scheduler.Start(context.Background()); err != nil {
				return fmt.Errorf("broadcast scheduler: %w", err)
			}
			defer scheduler.Stop()

			server := api.NewServer(cfg, flowRegistry, eng, provider.ConversationStore(), scheduler, logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.Start()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", logging.F("signal", sig.String()))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		},
	}
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow.yaml>",
		Short: "Validate a flow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := loader.NewLoader().Validate(content); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Printf("%s is valid\n", args[0])
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfig(configPath)
	}
	if _, err := os.Stat("chatflow.json"); err == nil {
		return config.LoadConfig("chatflow.json")
	}
	cfg := config.DefaultConfig()
	cfg.ApplyEnv()
	return cfg, nil
}

// logSender is the broadcast delivery used when no outbound transport is
// wired: it records the message so operators can see what would be sent.
type logSender struct {
	logger logging.Logger
}

func (s logSender) SendBroadcast(_ context.Context, sessionID string, message engine.SendMessage) error {
	s.logger.Info("broadcast message",
		logging.F("session_id", sessionID),
		logging.F("content", message.Content),
	)
	return nil
}
