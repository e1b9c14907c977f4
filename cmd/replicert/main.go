package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"Replicert/internal/logger"
)

// globalFlags are shared by every command.
type globalFlags struct {
	logLevel string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCmd().ExecuteContext(ctx)
}

// newRootCmd assembles the command tree.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "replicert",
		Short: "Replicated file storage with BLS certificates of availability",
		Long: `Replicert stores a file on a server and every registered replica, then returns
an aggregate BLS signature proving that all of them hold the same bytes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logger.ParseLevel(g.logLevel)
			if err != nil {
				return err
			}
			logger.Init(level)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		serverCmd(),
		replicaCmd(),
		clientCmd(),
		verifyCmd(),
	)

	return root
}
