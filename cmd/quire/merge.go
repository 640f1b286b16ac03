package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jpl-au/quire"
	"github.com/jpl-au/quire/columnar"
	"github.com/jpl-au/quire/transplant"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMergeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge DST SRC...",
		Short: "Append the blocks of a store in each SRC to the same store in DST",
		Long: `Merge copies compressed blocks from each source container into the
destination without decoding records. The destination is created when it
does not exist, and columns it lacks are created from the first source
that has them.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := transplant.ParseSortPolicy(a.v.GetString("sort"))
			if err != nil {
				return err
			}
			name := a.v.GetString("store")
			if name == "" {
				return errors.New("merge: --store is required")
			}

			mode := quire.ModeUpdate
			if _, err := os.Stat(args[0]); errors.Is(err, fs.ErrNotExist) {
				mode = quire.ModeCreate
			}
			dst, err := a.open(args[0], mode)
			if err != nil {
				return err
			}

			store, err := columnar.Open(dst, name, columnar.Config{Logger: a.log})
			if errors.Is(err, quire.ErrNotFound) {
				store, err = columnar.Create(dst, name, columnar.Config{Logger: a.log})
			}
			if err != nil {
				dst.Close(nil)
				return err
			}

			for _, path := range args[1:] {
				if err := a.mergeOne(cmd, store, path, name, policy); err != nil {
					store.Close()
					dst.Close(nil)
					return err
				}
			}
			if err := store.Close(); err != nil {
				dst.Close(nil)
				return err
			}
			return dst.Close(nil)
		},
	}
	cmd.Flags().String("store", "", "Store name to merge")
	cmd.Flags().String("sort", transplant.ByOffset.String(), "Block order (offset, column, entry)")
	cmd.Flags().Bool("share-pids", false, "Let source process ids map onto existing destination ids")
	return cmd
}

func (a *app) mergeOne(cmd *cobra.Command, dst *columnar.Store, path, name string, policy transplant.SortPolicy) error {
	f, err := a.open(path, quire.ModeRead)
	if err != nil {
		return err
	}
	defer f.Close(nil)

	src, err := columnar.Open(f, name, columnar.Config{Logger: a.log})
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	t, err := transplant.New(src, dst, transplant.Options{
		Sort:          policy,
		SharePIDs:     a.v.GetBool("share-pids"),
		CreateColumns: true,
		Logger:        a.log,
	})
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	report, err := t.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	a.log.Info("merged", zap.String("source", path), zap.Int("blocks", report.Blocks),
		zap.Int64("records", report.Records+report.Pending))
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d blocks, %d records, %d bytes\n",
		path, report.Blocks, report.Records+report.Pending, report.Bytes)
	return nil
}
