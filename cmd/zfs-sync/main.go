// zfs-sync is a toolkit for common ZFS administrative tasks: replicating
// snapshots between two copies of a dataset, comparing their snapshot
// histories, and applying a retention policy.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "zfs-sync",
		Short:         "Toolkit for common ZFS administrative tasks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	cmd.PersistentFlags().AddGoFlagSet(fs)

	cfg := loadConfigOrDefault()
	cmd.AddCommand(newReplicateCmd(cfg))
	cmd.AddCommand(newApplyRetentionCmd())
	cmd.AddCommand(newCommCmd())
	return cmd
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		// Failures land on stdout together with the rest of the user-facing
		// conversation; progress and diagnostics went to stderr already.
		fmt.Println(err)
		os.Exit(1)
	}
}
