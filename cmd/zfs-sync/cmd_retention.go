package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/fenio/zfs-sync/pkg/dataset"
	"github.com/fenio/zfs-sync/pkg/machine"
	"github.com/fenio/zfs-sync/pkg/metrics"
	"github.com/fenio/zfs-sync/pkg/retention"
)

// resolveRetentionSpec turns an address into the host slice retention
// drives. Tests swap it out for a mock machine.
var resolveRetentionSpec = func(value string) (retention.Host, *dataset.Dataset, error) {
	return machine.ParseSpec(value)
}

func newApplyRetentionCmd() *cobra.Command {
	var (
		noKeepUnusual bool
		runDirectly   bool
		metricsFile   string
	)

	cmd := &cobra.Command{
		Use:   "apply-retention <dataset>",
		Short: "Apply a retention policy to a dataset.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, ds, err := resolveRetentionSpec(args[0])
			if err != nil {
				return fmt.Errorf("can't parse %q as a valid ZFS dataset: %w", args[0], err)
			}

			opts := retention.Opts{
				KeepUnusual: !noKeepUnusual,
				RunDirectly: runDirectly,
			}
			var mets *metrics.Metrics
			if metricsFile != "" {
				mets = metrics.New()
				opts.Metrics = mets
			}

			msg, err := retention.Apply(host, ds, opts)

			if mets != nil {
				mets.LastRunTime.SetToCurrentTime()
				if err == nil {
					mets.LastRunOK.Set(1)
				}
				if werr := mets.WriteTextfile(metricsFile); werr != nil {
					klog.Warningf("writing metrics: %v", werr)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noKeepUnusual, "no-keep-unusual", false,
		"Also consider snapshots not named \"YYYY-MM-DD\" for deletion.")
	cmd.Flags().BoolVar(&runDirectly, "run-directly", false,
		"Run the zfs-destroy command directly instead of printing it for manual review.")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "",
		"Write Prometheus textfile metrics for the run to this path.")

	return cmd
}
