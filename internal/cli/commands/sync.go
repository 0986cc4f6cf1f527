package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"cloudcache/internal/common"
	"cloudcache/internal/manager"
	"cloudcache/internal/util"
)

var (
	syncWait         bool
	syncTimeout      time.Duration
	queueAll         bool
	pruneFailedAfter time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued offline operations",
	Long: `Replay the operations queued while offline, oldest first.

With --wait the queue is replayed repeatedly until nothing is pending or
the timeout expires. Ops waiting out their replay backoff are picked up by
a later pass.

Examples:
  cloudcache sync
  cloudcache sync --wait --timeout 2m`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline operation queue",
	Long: `Inspect and manage the offline operation queue.

Subcommands:
  list    Show queued operations
  retry   Give a failed operation a fresh retry budget
  prune   Delete completed and old failed operations`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show queued operations",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <op-id>",
	Short: "Reset a failed operation to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid op id %q", args[0])
		}
		op, err := current.cache.RetrySyncOp(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Op %d (%s %s) is pending again\n", op.ID, op.Type, op.FileID)
		return nil
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete completed and old failed operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := current.cache.PruneSyncQueue(cmd.Context(), pruneFailedAfter)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d op(s)\n", n)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncWait, "wait", false, "Keep replaying until nothing is pending")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", time.Minute, "Give up waiting after this long")
	queueListCmd.Flags().BoolVarP(&queueAll, "all", "a", false, "Show every provider, not just the active one")
	queuePruneCmd.Flags().DurationVar(&pruneFailedAfter, "failed-older-than", 7*24*time.Hour, "Also delete failed ops last attempted before this")

	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queuePruneCmd)
	rootCmd.AddCommand(syncCmd, queueCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if !current.cache.Capabilities().SyncQueue {
		return common.ErrQueueUnavailable
	}
	if !current.mgr.Online() {
		return fmt.Errorf("provider %s is not reachable; operations stay queued", current.mgr.Active())
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var total manager.SyncReport
	pass := func() error {
		report, err := current.mgr.SyncPendingOperations(ctx)
		if err != nil {
			return err
		}
		total.Provider = report.Provider
		total.Attempted += report.Attempted
		total.Completed += report.Completed
		total.Retrying += report.Retrying
		total.Failed += report.Failed
		total.Reset += report.Reset
		total.Reconciled += report.Reconciled
		total.Skipped = report.Skipped
		return nil
	}

	if !syncWait {
		if err := pass(); err != nil {
			return err
		}
	} else {
		interval := current.settings.Sync.ReplayBackoff
		if interval <= 0 {
			interval = time.Second
		}
		err := util.PollUntil(ctx, util.PollConfig{Timeout: syncTimeout, Interval: interval}, func(ctx context.Context) (bool, error) {
			if err := pass(); err != nil {
				return false, err
			}
			summary, err := current.cache.SyncSummary(ctx, current.mgr.Active())
			if err != nil {
				return false, err
			}
			return summary.Pending == 0 && summary.Syncing == 0, nil
		})
		if err != nil {
			return fmt.Errorf("sync did not finish: %w", err)
		}
	}

	fmt.Fprintf(out, "Provider: %s\n", total.Provider)
	fmt.Fprintf(out, "Replayed: %d (completed %d, retrying %d, failed %d)\n",
		total.Attempted, total.Completed, total.Retrying, total.Failed)
	if total.Reconciled > 0 {
		fmt.Fprintf(out, "Reconciled ids: %d\n", total.Reconciled)
	}
	if total.Skipped > 0 {
		fmt.Fprintf(out, "Skipped: %d\n", total.Skipped)
	}
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	name := current.mgr.Active()
	if queueAll {
		name = ""
	} else if name == "" {
		return common.ErrNoProvider
	}
	ops, err := current.cache.GetSyncQueue(cmd.Context(), name)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ops) == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return nil
	}
	for _, op := range ops {
		fmt.Fprintf(out, "%4d  %-9s %-7s %-10s %s", op.ID, op.Status, op.Type, op.Provider, op.FileID)
		if op.RetryCount > 0 {
			fmt.Fprintf(out, "  retries=%d", op.RetryCount)
		}
		if op.LastError != "" {
			fmt.Fprintf(out, "  error=%q", op.LastError)
		}
		fmt.Fprintln(out)
	}
	return nil
}
