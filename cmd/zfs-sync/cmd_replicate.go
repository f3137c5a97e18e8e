package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/fenio/zfs-sync/pkg/dataset"
	"github.com/fenio/zfs-sync/pkg/machine"
	"github.com/fenio/zfs-sync/pkg/metrics"
	"github.com/fenio/zfs-sync/pkg/replicate"
)

// runReplication invokes the orchestrator. Tests swap it out to observe
// the assembled options without spawning processes.
var runReplication = func(srcHost replicate.Host, srcDS *dataset.Dataset, dstHost replicate.Host, dstDS *dataset.Dataset, opts replicate.Opts) (string, error) {
	return replicate.Run(srcHost, srcDS, dstHost, dstDS, opts)
}

func newReplicateCmd(cfg *Config) *cobra.Command {
	var (
		verbose           bool
		simpleIncremental bool
		rollback          bool
		allowDivergent    bool
		initDestination   bool
		takeSnapNow       bool
		snapName          string
		ratelimit         string
		metricsFile       string
	)

	cmd := &cobra.Command{
		Use:   "replicate <source> <destination>",
		Short: "Synchronize snapshots between two copies of the same dataset.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srcHost, srcDS, err := machine.ParseSpec(args[0])
			if err != nil {
				return fmt.Errorf("can't parse %q as a valid ZFS dataset: %w", args[0], err)
			}
			dstHost, dstDS, err := machine.ParseSpec(args[1])
			if err != nil {
				return fmt.Errorf("can't parse %q as a valid ZFS dataset: %w", args[1], err)
			}

			if snapName != "" && !takeSnapNow {
				return fmt.Errorf("--snap-name requires --take-snap-now")
			}
			newSnap := ""
			if takeSnapNow {
				newSnap = snapName
				if newSnap == "" {
					newSnap = "zfs-sync-" + randomSnapSuffix(7)
				}
			}

			if !cmd.Flags().Changed("ratelimit") && cfg.Ratelimit != "" {
				ratelimit = cfg.Ratelimit
			}
			if ratelimit != "" && !validPVRate(ratelimit) {
				return fmt.Errorf("%q isn't a valid rate limit for `pv -L`. Hint: use something like `50M`", ratelimit)
			}
			if !cmd.Flags().Changed("verbose") && cfg.Verbose {
				verbose = true
			}
			if !cmd.Flags().Changed("metrics-file") && cfg.MetricsFile != "" {
				metricsFile = cfg.MetricsFile
			}

			stats := &replicate.Stats{}
			opts := replicate.Opts{
				UseRollbackFlagOnRecv:      rollback,
				AllowDivergentDestination:  allowDivergent,
				InitNonexistentDestination: initDestination,
				SimpleIncremental:          simpleIncremental,
				AppVerbose:                 verbose,
				TakeSnapNow:                newSnap,
				Ratelimit:                  ratelimit,
				Stats:                      stats,
			}
			var mets *metrics.Metrics
			if metricsFile != "" {
				mets = metrics.New()
				opts.Metrics = mets
			}

			msg, err := runReplication(srcHost, srcDS, dstHost, dstDS, opts)

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

			if verbose && stats.BytesSent > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Transferred %s across %d snapshot(s) in %s.\n",
					formatBytes(int64(stats.BytesSent)), stats.ItemsSent, stats.Duration.Round(timeRound))
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"Increase verbosity: narrate the run on stderr and report transfer totals.")
	cmd.Flags().BoolVarP(&simpleIncremental, "simple-incremental", "i", false,
		"Send only the endpoint delta (zfs send -i) instead of all intervening snapshots (-I).")
	cmd.Flags().BoolVarP(&rollback, "rollback", "F", false,
		"Use the rollback flag (-F) in the zfs-recv command. May cause data loss; see manual.")
	cmd.Flags().BoolVarP(&allowDivergent, "allow-divergent-destination", "D", false,
		"Don't abort when the destination side diverges. May cause data loss; see manual.")
	cmd.Flags().BoolVar(&initDestination, "init", false,
		"Initialize a nonexistent destination by first sending a base snapshot in full.")
	cmd.Flags().StringVar(&ratelimit, "ratelimit", "",
		"Limit the transfer rate as per `pv -L`.")
	cmd.Flags().BoolVarP(&takeSnapNow, "take-snap-now", "t", false,
		"Take a snapshot of the source dataset prior to sending.")
	cmd.Flags().StringVarP(&snapName, "snap-name", "T", "",
		"Name for the snapshot created by --take-snap-now; a random name is generated otherwise.")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "",
		"Write Prometheus textfile metrics for the run to this path.")

	return cmd
}
