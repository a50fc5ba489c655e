package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	herrors "github.com/conneroisu/hyte/internal/errors"
	"github.com/conneroisu/hyte/internal/server"
	"github.com/conneroisu/hyte/internal/watcher"
	"github.com/conneroisu/hyte/internal/websocket"
)

func (a *app) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Serve compile and render endpoints over HTTP",
		Long: `Start the hyte HTTP server.

The bundle is precompiled at startup; a failure is logged and the server
starts anyway. With -w the watcher rewrites per-template modules as their
sources change and notifies browsers connected to /ws.

Routes:
  GET  /compile/{id}             module script for a template
  GET  /render/{id}/{dataURI}    render with JSON fetched from an encoded URI
  GET  /render/{id}?data=URI     same, with the URI as a query parameter
  POST /render/{id}              render with a JSON or form body
  GET  /recompile                rebuild and return the bundle
  GET  /runtime.js               browser runtime for compiled payloads
  GET  /health                   status, cache and compile metrics`,
		Args: cobra.NoArgs,
		RunE: a.runServe,
	}

	cmd.Flags().String("host", "", "Host to bind to (overrides server.host)")
	cmd.Flags().IntP("port", "p", 0, "Port to serve on (overrides server.port)")
	cmd.Flags().StringSlice("allowed-origins", nil, "Origins allowed for CORS and websocket connections")
	_ = a.v.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = a.v.BindPFlag("server.port", cmd.Flags().Lookup("port"))

	return cmd
}

func (a *app) runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := a.newEngine()
	origins, _ := cmd.Flags().GetStringSlice("allowed-origins")
	hub := websocket.NewHub(a.logger, origins...)
	srv := server.New(a.cfg, engine, a.newRenderer(engine),
		server.WithHub(hub),
		server.WithLogger(a.logger),
		server.WithAllowedOrigins(origins...))

	if _, err := engine.CompileBundle(ctx); err != nil {
		a.logger.Error(ctx, err, "Templates not precompiled", herrors.Fields(err)...)
	} else {
		a.logger.Info(ctx, "Templates precompiled", "output", a.cfg.Compile.BundleOutput)
	}

	if a.cfg.Watch.Enabled {
		w := watcher.New(a.cfg, engine, watcher.FSNotifySubscriber{},
			watcher.WithLogger(a.logger),
			watcher.OnCompiled(srv.NotifyCompiled))
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	a.logger.Info(context.WithoutCancel(ctx), "Server stopped")

	return nil
}
