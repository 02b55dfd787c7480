package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/districts/bucket"
	"github.com/hupe1980/districts/codec"
	"github.com/hupe1980/districts/dataset"
	"github.com/hupe1980/districts/snapshot"
)

func newInspectCmd(f *flags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize a dataset or snapshot archive",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "dataset <dataset.npz>",
		Short: "Show placements and compatibility coverage per population",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := dataset.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			s := ds.Summary()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			return printDataset(cmd.OutOrStdout(), s)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot <snapshot.npz>",
		Short: "Show the metadata and bucket counts of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.settings(cmd)
			if err != nil {
				return err
			}
			opts := []snapshot.Option{snapshot.WithLogger(newLogger(cmd, cfg))}
			if cfg.Snapshot.Remote != "" {
				remote, err := openRemote(cmd.Context(), cfg.Snapshot.Remote)
				if err != nil {
					return err
				}
				opts = append(opts, snapshot.WithRemote(remote))
			}
			s, err := snapshot.NewController(opts...).Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), s.Meta)
			}
			return printSnapshot(cmd.OutOrStdout(), s)
		},
	})
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	b, err := codec.Default.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func printDataset(w io.Writer, s dataset.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "n\t%d\n", s.N)
	fmt.Fprintf(tw, "version\t%s\n", s.Version)
	fmt.Fprintf(tw, "roots\t%d\n", s.Roots)
	fmt.Fprintf(tw, "placements\t%d (%d complete)\n", s.Placements, s.Complete)
	fmt.Fprintf(tw, "jtypes\t%d\n", s.JTypes)
	fmt.Fprintf(tw, "compat\t%s, %d pairs\n", s.CompatSource, s.CompatPairs)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "pop\tjtypes\tpartners\tpairs\tunmatched\tplacements")
	for _, p := range s.Pops {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n", p.Pop, p.JTypes, p.Partners, p.Pairs, p.Unmatched, p.Placements)
	}
	return tw.Flush()
}

func printSnapshot(w io.Writer, s *snapshot.Snapshot) error {
	m := s.Meta
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "n\t%d\n", m.N)
	fmt.Fprintf(tw, "format\t%d\n", m.FormatVersion)
	fmt.Fprintf(tw, "dataset version\t%s\n", m.DatasetVersion)
	fmt.Fprintf(tw, "reflection\t%s\n", m.Reflection)
	fmt.Fprintf(tw, "compression\t%s\n", m.Compression)
	fmt.Fprintf(tw, "run id\t%s\n", m.RunID)
	fmt.Fprintf(tw, "created\t%s\n", m.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if s.Compat != nil {
		fmt.Fprintf(tw, "compat pairs\t%d\n", s.Compat.NumPairs())
	}
	for i, st := range []*bucket.Store{s.Left, s.Right} {
		if st == nil {
			continue
		}
		fmt.Fprintln(tw)
		fmt.Fprintf(tw, "half %d\t%d buckets, %d rows, %s fillings\n", i, st.Len(), st.NumRows(), st.TotalWeight())
		fmt.Fprintln(tw, "key\trows\tweight")
		for _, b := range st.Buckets() {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", b.Key, b.Len(), b.TotalWeight())
		}
	}
	return tw.Flush()
}
