package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"fleetllm/internal/provider"
)

func newProvidersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Check every provider and show which one would be active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			st, err := buildStack(ctx, a.cfg, a.log)
			if err != nil {
				return err
			}
			defer st.Close()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tAVAILABLE\tACTIVE\tCAPABILITIES")
			active := st.selector.ActiveName()
			for _, p := range st.selector.Providers() {
				var caps []string
				for _, c := range p.Capabilities().List() {
					caps = append(caps, c.String())
				}
				fmt.Fprintf(tw, "%s\t%t\t%t\t%s\n", p.Name(), p.IsAvailable(), p.Name() == active, strings.Join(caps, ","))
			}
			return tw.Flush()
		},
	}
}

func newModelsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models of the active provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmdContext(cmd)
			st, err := buildStack(ctx, a.cfg, a.log)
			if err != nil {
				return err
			}
			defer st.Close()
			var models []provider.ModelDescriptor
			if all {
				models = st.selector.AllModels(ctx)
			} else if models, err = st.selector.ListModels(ctx); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPROVIDER\tSIZE\tQUANT\tMODIFIED")
			for _, m := range models {
				name := m.Name
				if m.Loaded {
					name += " *"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, m.Provider, humanize.IBytes(uint64(m.Size)), m.Quantization, humanize.Time(m.ModifiedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List models of every available provider")
	return cmd
}

func newPullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "pull NAME",
		Short:   "Download a model into the custom models directory",
		Example: "  fleetllm pull Llama-3.2-1B-Instruct-Q4_K_M.gguf\n  fleetllm pull https://example.com/model.gguf",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := openLayout(a.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			dst, err := newPuller(a.cfg, layout, a.log).Pull(cmdContext(cmd), args[0], func(p provider.PullProgress) {
				if p.Message != "" {
					fmt.Fprintf(out, "%s %s: %s\n", p.Status, p.Model, p.Message)
					return
				}
				fmt.Fprintf(out, "%s %s\n", p.Status, p.Model)
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, dst)
			return nil
		},
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
