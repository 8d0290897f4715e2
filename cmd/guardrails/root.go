package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/whisper/guardrails/internal/config"
)

// Global flags
var envFile string

var rootCmd = &cobra.Command{
	Use:   "guardrails",
	Short: "Guardrails - moderation gateway for chat-completion backends",
	Long: `Guardrails screens chat requests before and after they reach a
language-model backend.

Each request passes, in order:
  - a per-client fixed-window rate limit backed by Redis
  - content filtering of the latest user turn
  - conversation context analysis
  - the backend call, retried with exponential backoff
  - content filtering of the backend reply

Configuration comes from the environment, optionally seeded from a .env file.`,
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFile, "env-file", "e", ".env", "dotenv file loaded before the environment (ignored when missing)")
}

// loadConfig reads the configuration selected by the global flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
