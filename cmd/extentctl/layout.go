package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/extentstore/pkg/store/object"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/marmos91/extentstore/pkg/store/txn"
	"github.com/spf13/cobra"
)

var (
	truncateCmd = &cobra.Command{
		Use:   "truncate {object} {size}",
		Short: "Set an object's size, freeing blocks past the new end",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := parseSize(args[1])
			if err != nil {
				return fmt.Errorf("invalid size: %w", err)
			}
			return withHandle(cmd, args, object.HandleOptions{}, func(ctx context.Context, h *object.DataObjectHandle) error {
				return inTransaction(ctx, h, func(tx *txn.Transaction) error {
					return h.Truncate(ctx, tx, size)
				})
			})
		},
	}

	preallocateCmd = &cobra.Command{
		Use:   "preallocate {object} {offset} {length}",
		Short: "Reserve device blocks for a block-aligned range",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRange(args[1], args[2])
			if err != nil {
				return err
			}
			return withHandle(cmd, args, object.HandleOptions{}, func(ctx context.Context, h *object.DataObjectHandle) error {
				var ranges []record.Range
				err := inTransaction(ctx, h, func(tx *txn.Transaction) (err error) {
					ranges, err = h.PreallocateRange(ctx, tx, r)
					return err
				})
				if err != nil {
					return err
				}
				for _, dr := range ranges {
					fmt.Fprintf(cmd.OutOrStdout(), "device %s (%s)\n", dr, humanize.IBytes(dr.Len()))
				}
				return nil
			})
		},
	}

	zeroCmd = &cobra.Command{
		Use:   "zero {object} {offset} {length}",
		Short: "Deallocate a block-aligned range so it reads as zeros",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRange(args[1], args[2])
			if err != nil {
				return err
			}
			return withHandle(cmd, args, object.HandleOptions{}, func(ctx context.Context, h *object.DataObjectHandle) error {
				return inTransaction(ctx, h, func(tx *txn.Transaction) error {
					return h.Zero(ctx, tx, r)
				})
			})
		},
	}

	dumpCmd = &cobra.Command{
		Use:   "dump {object}",
		Short: "Print the logical to device mapping of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandle(cmd, args, object.HandleOptions{}, func(ctx context.Context, h *object.DataObjectHandle) error {
				end, ok := record.RoundUp(h.Size(), h.BlockSize())
				if !ok {
					end = object.MaxFileSize
				}
				mappings, err := h.GetAllocatedRanges(ctx, record.Range{Start: 0, End: end})
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "LOGICAL\tDEVICE\tLENGTH\tCHECKSUMS\tKEY")
				for _, m := range mappings {
					fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\n",
						m.Logical, m.Device, humanize.IBytes(m.Logical.Len()), m.Checksummed, m.KeyID)
				}
				return w.Flush()
			})
		},
	}
)

func init() {
	rootCmd.AddCommand(truncateCmd, preallocateCmd, zeroCmd, dumpCmd)
}

// inTransaction runs fn in a transaction on h and commits it.
func inTransaction(ctx context.Context, h *object.DataObjectHandle, fn func(tx *txn.Transaction) error) error {
	tx, err := h.NewTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Discard()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func parseRange(offsetArg, lengthArg string) (record.Range, error) {
	offset, err := parseSize(offsetArg)
	if err != nil {
		return record.Range{}, fmt.Errorf("invalid offset: %w", err)
	}
	length, err := parseSize(lengthArg)
	if err != nil {
		return record.Range{}, fmt.Errorf("invalid length: %w", err)
	}
	if offset+length < offset {
		return record.Range{}, fmt.Errorf("range %d+%d overflows", offset, length)
	}
	return record.Range{Start: offset, End: offset + length}, nil
}
