package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fleetllm/internal/common/fsutil"
	"fleetllm/internal/engine"
	"fleetllm/internal/store"
)

// openConfigEngine opens the store and an engine over the models directory so
// saved configs are validated against the files that exist. No model is loaded.
func openConfigEngine(ctx context.Context, a *app) (*engine.Engine, func(), error) {
	layout, err := openLayout(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	dbPath, err := fsutil.ExpandHome(a.cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(engine.Config{
		Layout:       layout,
		Runtime:      engine.NativeRuntime(),
		Aliases:      a.cfg.Engine.Aliases,
		DefaultModel: a.cfg.DefaultModel,
		Configs:      st,
		Logger:       a.log,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return eng, func() {
		eng.Close()
		st.Close()
	}, nil
}

func newModelConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "model-config",
		Aliases: []string{"mc"},
		Short:   "Manage saved per-model configurations",
	}
	cmd.AddCommand(newModelConfigListCmd(a), newModelConfigShowCmd(a), newModelConfigSetCmd(a), newModelConfigRemoveCmd(a))
	return cmd
}

func newModelConfigListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved model configurations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openConfigEngine(cmdContext(cmd), a)
			if err != nil {
				return err
			}
			defer closeFn()
			cfgs, err := eng.ListModelConfigs(cmdContext(cmd))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tBASE MODEL\tDESCRIPTION")
			for _, c := range cfgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.BaseModel, c.Description)
			}
			return tw.Flush()
		},
	}
}

func newModelConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print a saved model configuration as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openConfigEngine(cmdContext(cmd), a)
			if err != nil {
				return err
			}
			defer closeFn()
			cfg, ok, err := eng.ModelConfig(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no saved config for model %q", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

// modelConfigFlags holds set's flags; only flags given on the command line
// are written.
type modelConfigFlags struct {
	base, system, description, stop string
	temperature, topP, repeat       float32
	topK, ctxSize, gpuLayers, maxTk int
}

func (f *modelConfigFlags) apply(cmd *cobra.Command, cfg *engine.ModelConfig) {
	changed := cmd.Flags().Changed
	if changed("base") {
		cfg.BaseModel = f.base
	}
	if changed("system") {
		cfg.SystemPrompt = f.system
	}
	if changed("description") {
		cfg.Description = f.description
	}
	if changed("stop") {
		cfg.StopSequences = f.stop
	}
	if changed("temperature") {
		cfg.Temperature = &f.temperature
	}
	if changed("top-p") {
		cfg.TopP = &f.topP
	}
	if changed("repeat-penalty") {
		cfg.RepeatPenalty = &f.repeat
	}
	if changed("top-k") {
		cfg.TopK = &f.topK
	}
	if changed("ctx-size") {
		cfg.ContextSize = &f.ctxSize
	}
	if changed("gpu-layers") {
		cfg.GPULayers = &f.gpuLayers
	}
	if changed("max-tokens") {
		cfg.MaxTokens = &f.maxTk
	}
}

func newModelConfigSetCmd(a *app) *cobra.Command {
	f := &modelConfigFlags{}
	cmd := &cobra.Command{
		Use:     "set NAME",
		Short:   "Create or update a saved model configuration",
		Example: "  fleetllm model-config set pirate --base Llama-3.2-1B-Instruct-Q4_K_M.gguf --system \"Talk like a pirate.\" --temperature 0.9",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			eng, closeFn, err := openConfigEngine(ctx, a)
			if err != nil {
				return err
			}
			defer closeFn()
			cfg, _, err := eng.ModelConfig(ctx, args[0])
			if err != nil {
				return err
			}
			cfg.Name = args[0]
			f.apply(cmd, &cfg)
			if err := eng.SaveModelConfig(ctx, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", cfg.Name)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.base, "base", "", "Model file the configuration loads")
	fl.StringVar(&f.system, "system", "", "System prompt replacing the caller's")
	fl.StringVar(&f.description, "description", "", "Free-form description")
	fl.StringVar(&f.stop, "stop", "", "Comma-separated stop sequences")
	fl.Float32Var(&f.temperature, "temperature", 0.7, "Sampling temperature")
	fl.Float32Var(&f.topP, "top-p", 0.9, "Nucleus sampling probability")
	fl.Float32Var(&f.repeat, "repeat-penalty", 1.1, "Repeat penalty")
	fl.IntVar(&f.topK, "top-k", 40, "Top-K sampling")
	fl.IntVar(&f.ctxSize, "ctx-size", 4096, "Context window size")
	fl.IntVar(&f.gpuLayers, "gpu-layers", 0, "Layers offloaded to the accelerator")
	fl.IntVar(&f.maxTk, "max-tokens", 2048, "Maximum new tokens")
	return cmd
}

func newModelConfigRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"delete"},
		Short:   "Remove a saved model configuration",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeFn, err := openConfigEngine(cmdContext(cmd), a)
			if err != nil {
				return err
			}
			defer closeFn()
			ok, err := eng.DeleteModelConfig(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no saved config for model %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}
