package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dispatch-engine-go/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		logrus.Fatalf("application error: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatch-engine",
		Short:         "Scheduled email dispatch engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          withApp((*app.App).Serve),
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, housekeeping and the worker pool",
			Args:  cobra.NoArgs,
			RunE:  withApp((*app.App).Serve),
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run only the dispatch worker pool",
			Args:  cobra.NoArgs,
			RunE:  withApp((*app.App).Work),
		},
		&cobra.Command{
			Use:   "recover",
			Short: "Re-enqueue dispatches whose queue jobs were lost",
			Args:  cobra.NoArgs,
			RunE:  withApp((*app.App).Recover),
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Create the development sender identity",
			Args:  cobra.NoArgs,
			RunE:  withApp((*app.App).Seed),
		},
	)
	root.SetOut(os.Stdout)
	return root
}

// withApp builds the shared components, runs fn and closes them afterwards
func withApp(fn func(*app.App, context.Context) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := app.New(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(a, cmd.Context())
	}
}
