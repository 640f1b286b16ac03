package main

import (
	"fmt"

	"github.com/jpl-au/quire"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "map FILE",
		Short: "Print every record and gap in file order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.open(args[0], quire.ModeRead)
			if err != nil {
				return err
			}
			defer f.Close(nil)
			return f.Map(cmd.OutOrStdout())
		},
	}
}

func newRecoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover FILE",
		Short: "Rebuild the directory and free list by scanning the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.open(args[0], quire.ModeUpdate)
			if err != nil {
				return err
			}
			report, err := f.Recover(cmd.Context())
			if err != nil {
				f.Close(nil)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keys %d, dropped %d, gaps %d, discarded %d bytes, end %d\n",
				report.Keys, report.Dropped, report.Gaps, report.Discarded, report.End)
			return f.Close(nil)
		},
	}
}

func newCompactCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact FILE",
		Short: "Rewrite a container without free space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.open(args[0], quire.ModeUpdate)
			if err != nil {
				return err
			}
			before := f.Stats()
			if err := f.Compact(&quire.CompactOptions{PurgeCycles: a.v.GetBool("purge-cycles")}); err != nil {
				f.Close(nil)
				return err
			}
			after := f.Stats()
			a.log.Info("compacted", zap.String("file", args[0]),
				zap.Int64("before", before.End), zap.Int64("after", after.End))
			fmt.Fprintf(cmd.OutOrStdout(), "%d -> %d bytes\n", before.End, after.End)
			return f.Close(&quire.CloseOptions{Truncate: true})
		},
	}
	cmd.Flags().Bool("purge-cycles", false, "Keep only the highest cycle of each key")
	return cmd
}
