package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fenio/zfs-sync/pkg/dataset"
	"github.com/fenio/zfs-sync/pkg/machine"
)

// commIndentWidth is the column width of the three-column listing: first
// column for source-only snapshots, second for shared, third for
// destination-only, in the manner of comm(1).
const commIndentWidth = 12

type commOpts struct {
	collapse             bool
	collapseKeepBothEnds bool
	orderAsc             bool
}

func newCommCmd() *cobra.Command {
	var opts commOpts

	cmd := &cobra.Command{
		Use:   "comm <dataset-1> <dataset-2>",
		Short: "Run a comm(1)-like utility on the snapshots of two copies of the same dataset.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.collapse && opts.collapseKeepBothEnds {
				return fmt.Errorf("-c and -C are mutually exclusive")
			}

			srcHost, srcDS, err := machine.ParseSpec(args[0])
			if err != nil {
				return fmt.Errorf("can't parse %q as a valid ZFS dataset: %w", args[0], err)
			}
			dstHost, dstDS, err := machine.ParseSpec(args[1])
			if err != nil {
				return fmt.Errorf("can't parse %q as a valid ZFS dataset: %w", args[1], err)
			}

			dstDS.AppendRelative(srcDS)
			if err := srcHost.GetSnaps(srcDS); err != nil {
				return fmt.Errorf("unable to get snapshots for %q: %w", srcDS, err)
			}
			if err := dstHost.GetSnaps(dstDS); err != nil {
				return fmt.Errorf("unable to get snapshots for %q: %w", dstDS, err)
			}

			tagged, _, err := dataset.Comm(srcDS, dstDS)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderComm(tagged, opts))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.collapse, "collapse", "c", false,
		"Collapse consecutive runs of the same column to their first entry.")
	cmd.Flags().BoolVarP(&opts.collapseKeepBothEnds, "collapse-keep-ends", "C", false,
		"Collapse consecutive runs, keeping both the first and last entry.")
	cmd.Flags().BoolVarP(&opts.orderAsc, "ascending", "r", false,
		"List oldest first instead of newest first.")

	return cmd
}

// renderComm formats the tagged merge as three indented columns, newest
// first unless ascending order is requested.
func renderComm(tagged []dataset.Tagged, opts commOpts) string {
	if !opts.orderAsc {
		reversed := make([]dataset.Tagged, len(tagged))
		for i, tg := range tagged {
			reversed[len(tagged)-1-i] = tg
		}
		tagged = reversed
	}

	var b strings.Builder
	if !opts.collapse && !opts.collapseKeepBothEnds {
		for _, tg := range tagged {
			writeCommLine(&b, tg.Side, tg.Snap.Name)
		}
		return b.String()
	}

	for start := 0; start < len(tagged); {
		end := start
		for end+1 < len(tagged) && tagged[end+1].Side == tagged[start].Side {
			end++
		}
		side := tagged[start].Side
		writeCommLine(&b, side, tagged[start].Snap.Name)
		if opts.collapse {
			writeCommLine(&b, side, fmt.Sprintf("  (+%d)", end-start))
		} else if end > start {
			writeCommLine(&b, side, fmt.Sprintf("  (+%d)", end-start-1))
			writeCommLine(&b, side, tagged[end].Snap.Name)
		}
		start = end + 1
	}
	return b.String()
}

func writeCommLine(b *strings.Builder, side dataset.Side, text string) {
	indent := 0
	switch side {
	case dataset.Both:
		indent = 1
	case dataset.Right:
		indent = 2
	}
	b.WriteString(strings.Repeat(" ", indent*commIndentWidth))
	b.WriteString(text)
	b.WriteByte('\n')
}
