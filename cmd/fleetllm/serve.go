package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleetllm/internal/httpapi"
)

type serveFlags struct {
	addr         string
	modelsDir    string
	provider     string
	defaultModel string
	db           string
	cors         string
	chatTimeout  int64
	maxBodyBytes int64
}

func newServeCmd(a *app) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API",
		Example: "  fleetllm serve --addr :8080 --provider auto\n  fleetllm serve -c fleetllm.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, a); err != nil {
				return err
			}
			return serve(cmdContext(cmd), a, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080")
	fl.StringVar(&f.modelsDir, "models-dir", "", "Directory holding *.gguf model files")
	fl.StringVar(&f.provider, "provider", "", "Default provider: auto|inprocess|llamacpp|llama-server")
	fl.StringVar(&f.defaultModel, "default-model", "", "Model used when a request omits one")
	fl.StringVar(&f.db, "db", "", "SQLite database path")
	fl.StringVar(&f.cors, "cors-origins", "", "Comma-separated allowed CORS origins (enables CORS)")
	fl.Int64Var(&f.chatTimeout, "chat-timeout", 0, "Chat request timeout in seconds (0 disables)")
	fl.Int64Var(&f.maxBodyBytes, "max-body-bytes", 0, "Maximum JSON request body size (0 keeps the default)")
	return cmd
}

// apply overlays explicitly set flags onto the loaded configuration.
func (f *serveFlags) apply(cmd *cobra.Command, a *app) error {
	fl := cmd.Flags()
	if fl.Changed("addr") {
		a.cfg.Addr = f.addr
	}
	if fl.Changed("models-dir") {
		a.cfg.ModelsDir = f.modelsDir
	}
	if fl.Changed("provider") {
		a.cfg.DefaultProvider = f.provider
	}
	if fl.Changed("default-model") {
		a.cfg.DefaultModel = f.defaultModel
	}
	if fl.Changed("db") {
		a.cfg.DBPath = f.db
	}
	if fl.Changed("cors-origins") {
		a.cfg.CORSOrigins = splitCSV(f.cors)
	}
	return a.cfg.Validate()
}

func serve(ctx context.Context, a *app, f *serveFlags) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer st.Close()

	httpapi.SetLogger(a.log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)
	httpapi.SetDefaultModel(a.cfg.DefaultModel)
	httpapi.SetChatTimeoutSeconds(f.chatTimeout)
	httpapi.SetMaxBodyBytes(f.maxBodyBytes)
	httpapi.SetCORSOptions(len(a.cfg.CORSOrigins) > 0, a.cfg.CORSOrigins, nil, nil)

	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           httpapi.NewMux(st.selector, httpapi.WithModelConfigs(st.engine)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.cfg.Addr).Str("models_dir", st.layout.Root).Str("provider", st.selector.ActiveName()).Msg("fleetllm listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
