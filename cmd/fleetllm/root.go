package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetllm/internal/config"
	"fleetllm/internal/logging"
)

// app carries state shared by every subcommand once PersistentPreRunE ran.
type app struct {
	configPath string
	logLevel   string

	cfg    config.Config
	log    zerolog.Logger
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "fleetllm",
		Short:         "Multi-backend local LLM inference runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (.yaml, .yml, .json or .toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error (overrides config and FLEETLLM_LOG_LEVEL)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.init()
	}
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if a.closer != nil {
			_ = a.closer.Close()
		}
	}

	root.AddCommand(newServeCmd(a), newProvidersCmd(a), newModelsCmd(a), newPullCmd(a), newModelConfigCmd(a))
	return root
}

// init loads configuration (defaults, file, environment, flags) and sets up logging.
func (a *app) init() error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if a.logLevel != "" {
		cfg.Log.Level = strings.ToLower(a.logLevel)
	}
	a.cfg = cfg
	return a.setupLogging()
}

func (a *app) setupLogging() error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log, closer, err := logging.New(a.cfg.Log)
	if err != nil {
		return err
	}
	a.log, a.closer = log, closer
	return nil
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
