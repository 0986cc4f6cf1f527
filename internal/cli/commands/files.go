// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"cloudcache/internal/manager"
	"cloudcache/internal/models"
	"cloudcache/internal/provider"
)

var (
	lsNoCache   bool
	lsPageSize  int
	lsPageToken string

	statNoCache bool

	getNoCache bool

	putParent       string
	putName         string
	putCacheContent bool

	cpName string

	mkdirParent string

	prefetchConcurrency int
)

var lsCmd = &cobra.Command{
	Use:   "ls [parent-id]",
	Short: "List a folder",
	Long: `List the files of a folder of the active provider.

The listing is served from the cache while it is fresh. A page token or
--no-cache always asks the provider.

Examples:
  cloudcache ls
  cloudcache ls docs
  cloudcache ls --page-size 50 --page-token 50 docs`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

var statCmd = &cobra.Command{
	Use:   "stat <id>",
	Short: "Show the metadata of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runStat,
}

var getCmd = &cobra.Command{
	Use:   "get <id> [dest]",
	Short: "Download a file",
	Long: `Download a file. Content comes from the cache when it holds it.
Without dest the content is written to stdout.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var putCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Upload a local file",
	Long: `Upload a local file to the active provider.

While offline the upload is queued and the file gets a temporary id until
the queue is replayed.

Examples:
  cloudcache put report.pdf
  cloudcache put --parent docs --cache-content report.pdf
  cloudcache --offline put notes.md`,
	Args: cobra.ExactArgs(1),
	RunE: runPut,
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a file or folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.mgr.DeleteFile(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s%s\n", args[0], queuedSuffix())
		return nil
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <id> <parent-id>",
	Short: "Move a file into another folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := current.mgr.MoveFile(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Moved %s -> %s%s\n", args[0], f.ID, queuedSuffix())
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := current.mgr.RenameFile(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s -> %s%s\n", args[0], f.ID, queuedSuffix())
		return nil
	},
}

var cpCmd = &cobra.Command{
	Use:   "cp <id> <parent-id>",
	Short: "Copy a file (online only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := current.mgr.CopyFile(cmd.Context(), args[0], args[1], cpName)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Copied %s -> %s\n", args[0], f.ID)
		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <name>",
	Short: "Create a folder (online only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := current.mgr.CreateFolder(cmd.Context(), args[0], mkdirParent)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", f.ID)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search files by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := current.mgr.SearchFiles(cmd.Context(), args[0], provider.ListOptions{})
		if err != nil {
			return err
		}
		printFiles(cmd.OutOrStdout(), res.Files)
		return nil
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show storage usage of the active provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := current.mgr.GetQuota(cmd.Context(), manager.ReadOptions{NoCache: statNoCache})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Provider: %s\n", q.Provider)
		fmt.Fprintf(out, "Used: %s\n", formatBytes(q.Used))
		if q.Total > 0 {
			fmt.Fprintf(out, "Total: %s\n", formatBytes(q.Total))
			fmt.Fprintf(out, "Available: %s\n", formatBytes(q.Available()))
		} else {
			fmt.Fprintln(out, "Total: unknown")
		}
		return nil
	},
}

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <id>...",
	Short: "Download files into the content cache",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n := prefetchConcurrency
		if n == 0 {
			n = current.settings.Sync.PrefetchConcurrency
		}
		if err := current.mgr.Prefetch(cmd.Context(), args, n); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Prefetched %d file(s)\n", len(args))
		return nil
	},
}

func init() {
	lsCmd.Flags().BoolVar(&lsNoCache, "no-cache", false, "Bypass the cache")
	lsCmd.Flags().IntVar(&lsPageSize, "page-size", 0, "Maximum entries per page")
	lsCmd.Flags().StringVar(&lsPageToken, "page-token", "", "Continue a previous listing")
	statCmd.Flags().BoolVar(&statNoCache, "no-cache", false, "Bypass the cache")
	quotaCmd.Flags().BoolVar(&statNoCache, "no-cache", false, "Bypass the cache")
	getCmd.Flags().BoolVar(&getNoCache, "no-cache", false, "Neither read nor fill the content cache")
	putCmd.Flags().StringVar(&putParent, "parent", "", "Parent folder id (default: root)")
	putCmd.Flags().StringVar(&putName, "name", "", "Remote name (default: local file name)")
	putCmd.Flags().BoolVar(&putCacheContent, "cache-content", false, "Keep the content in the local cache")
	cpCmd.Flags().StringVar(&cpName, "name", "", "Name of the copy (default: same name)")
	mkdirCmd.Flags().StringVar(&mkdirParent, "parent", "", "Parent folder id (default: root)")
	prefetchCmd.Flags().IntVar(&prefetchConcurrency, "concurrency", 0, "Parallel downloads (default: sync.prefetch_concurrency)")

	rootCmd.AddCommand(lsCmd, statCmd, getCmd, putCmd, rmCmd, mvCmd, renameCmd,
		cpCmd, mkdirCmd, searchCmd, quotaCmd, prefetchCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	parent := models.RootID
	if len(args) > 0 {
		parent = args[0]
	}
	res, err := current.mgr.ListFiles(cmd.Context(), parent, manager.ListOptions{
		NoCache:   lsNoCache,
		PageSize:  lsPageSize,
		PageToken: lsPageToken,
	})
	if err != nil {
		return err
	}
	printFiles(cmd.OutOrStdout(), res.Files)
	if res.NextPageToken != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "(more: --page-token %s)\n", res.NextPageToken)
	}
	return nil
}

func runStat(cmd *cobra.Command, args []string) error {
	f, err := current.mgr.GetFile(cmd.Context(), args[0], manager.ReadOptions{NoCache: statNoCache})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID: %s\n", f.ID)
	fmt.Fprintf(out, "Name: %s\n", f.Name)
	fmt.Fprintf(out, "Parent: %s\n", f.ParentID)
	fmt.Fprintf(out, "Type: %s\n", f.MimeType)
	fmt.Fprintf(out, "Size: %s\n", formatBytes(f.Size))
	if !f.ModifiedAt.IsZero() {
		fmt.Fprintf(out, "Modified: %s\n", f.ModifiedAt.Format("2006-01-02 15:04:05"))
	}
	if f.SyncStatus != "" {
		fmt.Fprintf(out, "Sync: %s\n", f.SyncStatus)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	data, err := current.mgr.DownloadFile(cmd.Context(), args[0], manager.DownloadOptions{NoCache: getNoCache})
	if err != nil {
		return err
	}
	if len(args) < 2 {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(args[1], data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[1], err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%s)\n", args[1], formatBytes(int64(len(data))))
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	name := putName
	if name == "" {
		name = filepath.Base(args[0])
	}
	f, err := current.mgr.UploadFile(cmd.Context(), provider.Upload{
		Name:     name,
		MimeType: mime.TypeByExtension(filepath.Ext(name)),
		Content:  data,
	}, manager.UploadOptions{ParentID: putParent, CacheContent: putCacheContent})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s as %s%s\n", args[0], f.ID, queuedSuffix())
	return nil
}

func queuedSuffix() string {
	if current.mgr.Online() {
		return ""
	}
	return " (queued)"
}

func printFiles(w io.Writer, files []models.File) {
	if len(files) == 0 {
		fmt.Fprintln(w, "(no entries)")
		return
	}
	for _, f := range files {
		kind := "-"
		if f.IsFolder {
			kind = "d"
		}
		status := ""
		if f.SyncStatus != "" && f.SyncStatus != models.SyncStatusSynced {
			status = "\t[" + string(f.SyncStatus) + "]"
		}
		fmt.Fprintf(w, "%s %10s\t%s\t%s%s\n", kind, formatBytes(f.Size), f.ID, f.Name, status)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
