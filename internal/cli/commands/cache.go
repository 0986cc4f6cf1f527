package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"cloudcache/internal/common"
)

var cacheClearAll bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache tiers, content usage and queue state",
	Args:  cobra.NoArgs,
	RunE:  runCacheStatus,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop cached records of a provider",
	Long: `Drop cached metadata, content, quota and queued operations of the active
provider, or of the provider named with --provider.

Queued operations that were not replayed yet are lost.

Examples:
  cloudcache cache clear
  cloudcache cache clear --provider work
  cloudcache cache clear --all`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := current.mgr.Active()
		if cacheClearAll {
			name = ""
		} else if name == "" {
			return common.ErrNoProvider
		}
		if err := current.cache.Clear(cmd.Context(), name); err != nil {
			return err
		}
		if name == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared the whole cache")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache of %s\n", name)
		}
		return nil
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List connected providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		active := current.mgr.Active()
		for _, name := range current.mgr.Connected() {
			marker := " "
			if name == active {
				marker = "*"
			}
			kind := ""
			if ps, ok := current.settings.Provider(name); ok {
				kind = ps.Type
			}
			fmt.Fprintf(out, "%s %s\t%s\n", marker, name, kind)
		}
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().BoolVar(&cacheClearAll, "all", false, "Clear every provider")

	cacheCmd.AddCommand(cacheStatusCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd, providersCmd)
}

func runCacheStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	stats, err := current.cache.Stats(ctx)
	if err != nil {
		return err
	}

	state := "online"
	if !current.mgr.Online() {
		state = "offline"
	}
	fmt.Fprintf(out, "Provider: %s (%s)\n", current.mgr.Active(), state)
	if stats.Capabilities.Degraded != nil {
		fmt.Fprintf(out, "Store: flat fallback (%v)\n", stats.Capabilities.Degraded)
	} else {
		fmt.Fprintf(out, "Store: %s\n", current.settings.Storage.Path)
	}
	fmt.Fprintf(out, "Memory: %d file(s), %d quota(s)\n", stats.MemoryFiles.Size, stats.MemoryQuotas.Size)
	if stats.Capabilities.Content {
		fmt.Fprintf(out, "Content: %s of %s\n", formatBytes(stats.ContentUsage), formatBytes(stats.ContentBudget))
	} else {
		fmt.Fprintln(out, "Content: unavailable")
	}

	if !stats.Capabilities.SyncQueue || current.mgr.Active() == "" {
		return nil
	}
	summary, err := current.cache.SyncSummary(ctx, current.mgr.Active())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Queue: %d pending, %d syncing, %d completed, %d failed\n",
		summary.Pending, summary.Syncing, summary.Completed, summary.Failed)
	for _, e := range summary.Errors {
		fmt.Fprintf(out, "  op %d %s %s: %d attempt(s): %s\n", e.OpID, e.Type, e.FileID, e.RetryCount, e.Message)
	}
	return nil
}
