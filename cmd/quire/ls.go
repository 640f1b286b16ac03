package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/jpl-au/quire"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// keyEntry is the listing form of a quire.Key.
type keyEntry struct {
	Name        string    `json:"name" yaml:"name"`
	Class       string    `json:"class" yaml:"class"`
	Cycle       int16     `json:"cycle" yaml:"cycle"`
	Seek        int64     `json:"seek" yaml:"seek"`
	Nbytes      int32     `json:"nbytes" yaml:"nbytes"`
	Objlen      int32     `json:"objlen" yaml:"objlen"`
	Len         int32     `json:"len" yaml:"len"`
	Compression int16     `json:"compression" yaml:"compression"`
	Written     time.Time `json:"written" yaml:"written"`
}

type listing struct {
	Path  string      `json:"path" yaml:"path"`
	Stats quire.Stats `json:"stats" yaml:"stats"`
	Keys  []keyEntry  `json:"keys" yaml:"keys"`
}

func newLsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls FILE",
		Short: "List the keys of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.open(args[0], quire.ModeRead)
			if err != nil {
				return err
			}
			defer f.Close(nil)

			l := listing{Path: f.Path(), Stats: f.Stats()}
			for k := range f.Keys() {
				l.Keys = append(l.Keys, keyEntry{
					Name:        k.Name,
					Class:       k.Class,
					Cycle:       k.Cycle,
					Seek:        k.Seek,
					Nbytes:      k.Nbytes,
					Objlen:      k.Objlen,
					Len:         k.Len,
					Compression: k.Compression,
					Written:     k.Time().UTC(),
				})
			}
			return writeListing(cmd.OutOrStdout(), a.v.GetString("output"), l)
		},
	}
	cmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func writeListing(w io.Writer, format string, l listing) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(l)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(l)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCLASS\tCYCLE\tSEEK\tNBYTES\tOBJLEN\tLEN\tZIP\tWRITTEN")
		for _, k := range l.Keys {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
				k.Name, k.Class, k.Cycle, k.Seek, k.Nbytes, k.Objlen, k.Len, k.Compression,
				k.Written.Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "\n%d keys, %d free segments, %d/%d bytes used, compression %.2f\n",
			l.Stats.Keys, l.Stats.FreeSegments, l.Stats.UsedBytes, l.Stats.End, l.Stats.CompressionFactor)
		return tw.Flush()
	}
	return fmt.Errorf("unknown output format %q", format)
}
