package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/hyte/internal/watcher"
)

func (a *app) newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Aliases: []string{"w"},
		Short:   "Recompile templates as they change, without serving",
		Long: `Watch the template directory and write a compiled module next to each
template (name.html -> name.js) whenever it is added or changed. Runs until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := watcher.New(a.cfg, a.newEngine(), watcher.FSNotifySubscriber{}, watcher.WithLogger(a.logger))
			if err := w.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			w.Stop()

			return nil
		},
	}
}
