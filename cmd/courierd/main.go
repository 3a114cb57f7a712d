// Command courierd hosts a courier runtime configured from a file and the
// environment, and offers maintenance commands for its envelope storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/courier-go/internal/config"
	"github.com/glimte/courier-go/internal/logging"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := serveCmd(opts)

	rootCmd := &cobra.Command{
		Use:          "courierd",
		Short:        "Reliable message delivery daemon",
		Long:         "courierd runs the courier outbox, inbox and durability agent against the configured storage and transports",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to config file (falls back to COURIER_CONFIG)")

	rootCmd.AddCommand(serve, storageCmd(opts), versionCmd())
	return rootCmd
}

// load resolves the config file and builds the logger from it
func (o *rootOptions) load() (*config.Config, *logging.Logger, error) {
	file := o.configFile
	if file == "" {
		file = os.Getenv("COURIER_CONFIG")
	}
	cfg, err := config.Load(file)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, log, nil
}

func serveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the delivery runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("starting courierd", "version", version, "service", cfg.Service.Name)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Error("failed to initialize application", "error", err)
				return err
			}

			if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("service stopped with error", "error", err)
				return err
			}
			log.Info("service shutdown complete")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "courierd %s\n", version)
}
