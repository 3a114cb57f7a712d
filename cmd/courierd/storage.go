package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/glimte/courier-go/persistence"
)

func storageCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and maintain envelope storage",
	}
	cmd.AddCommand(
		countsCmd(opts),
		releaseCmd(opts),
		migrateCmd(opts),
		clearCmd(opts),
	)
	return cmd
}

// withStore opens the configured store for a single maintenance command
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, store persistence.Store) error) error {
	cfg, log, err := opts.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, store)
}

func countsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Show persisted envelope counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store persistence.Store) error {
				counts, err := store.GetPersistedCounts(ctx)
				if err != nil {
					return err
				}
				return writeCounts(cmd.OutOrStdout(), counts)
			})
		},
	}
}

func writeCounts(out io.Writer, counts persistence.PersistedCounts) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tCOUNT")
	fmt.Fprintf(w, "incoming\t%d\n", counts.Incoming)
	fmt.Fprintf(w, "scheduled\t%d\n", counts.Scheduled)
	fmt.Fprintf(w, "outgoing\t%d\n", counts.Outgoing)
	fmt.Fprintf(w, "dead_letter\t%d\n", counts.DeadLetter)
	return w.Flush()
}

func releaseCmd(opts *rootOptions) *cobra.Command {
	var nodeID int
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release every envelope owned by a node back to the any-node pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID <= 0 {
				return errors.New("--node must be a positive node id")
			}
			return withStore(cmd, opts, func(ctx context.Context, store persistence.Store) error {
				if err := store.ReleaseOwnership(ctx, nodeID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released envelopes owned by node %d\n", nodeID)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&nodeID, "node", 0, "Node id whose envelopes are released")
	return cmd
}

func migrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the storage schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store persistence.Store) error {
				admin, ok := store.(persistence.Admin)
				if !ok {
					return errors.New("configured storage has no schema to migrate")
				}
				if err := admin.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func clearCmd(opts *rootOptions) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored envelope and dead letter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("refusing to clear storage without --yes")
			}
			return withStore(cmd, opts, func(ctx context.Context, store persistence.Store) error {
				admin, ok := store.(persistence.Admin)
				if !ok {
					return errors.New("configured storage cannot be cleared")
				}
				if err := admin.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "storage cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "Confirm deletion")
	return cmd
}
