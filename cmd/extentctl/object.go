package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/extentstore/pkg/config"
	"github.com/marmos91/extentstore/pkg/store/object"
	"github.com/spf13/cobra"
)

var (
	createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create an empty file object and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, env *config.Environment) error {
				id, err := env.Store.CreateObject(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	lsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List object ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, env *config.Environment) error {
				ids, err := env.Store.ListObjects(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}

	statCmd = &cobra.Command{
		Use:   "stat {object}",
		Short: "Print an object's properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandle(cmd, args, object.HandleOptions{}, func(ctx context.Context, h *object.DataObjectHandle) error {
				props, err := h.GetProperties(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Object:    %d\n", h.ObjectID())
				fmt.Fprintf(out, "Size:      %s (%d bytes)\n", humanize.IBytes(props.DataAttributeSize), props.DataAttributeSize)
				fmt.Fprintf(out, "Allocated: %s (%d bytes)\n", humanize.IBytes(props.AllocatedSize), props.AllocatedSize)
				fmt.Fprintf(out, "Links:     %d\n", props.RefCount)
				fmt.Fprintf(out, "Created:   %s (%s)\n", props.CreationTime.Format(time.RFC3339), humanize.Time(props.CreationTime))
				fmt.Fprintf(out, "Modified:  %s (%s)\n", props.ModificationTime.Format(time.RFC3339), humanize.Time(props.ModificationTime))
				return nil
			})
		},
	}

	flushCmd = &cobra.Command{
		Use:   "flush",
		Short: "Flush the index to the persistent layer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, env *config.Environment) error {
				if err := env.Store.Flush(ctx); err != nil {
					return err
				}
				alloc := env.Store.Allocator()
				fmt.Fprintf(cmd.OutOrStdout(), "Flushed store %s: %s allocated, %s free\n",
					env.Store.ID(), humanize.IBytes(alloc.AllocatedBytes()), humanize.IBytes(alloc.FreeBytes()))
				return nil
			})
		},
	}
)

func init() {
	rootCmd.AddCommand(createCmd, lsCmd, statCmd, flushCmd)
}
