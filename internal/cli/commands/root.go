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
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cloudcache/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	// Prod build: version with date
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var (
	flagOffline   bool
	flagConfigDir string
	flagProvider  string
)

var rootCmd = &cobra.Command{
	Use:   "cloudcache",
	Short: "Offline-first cache in front of cloud storage",
	Long: `Offline-first cache in front of cloud storage providers.

Reads are served from a local metadata and content cache. Writes made while
offline are queued and replayed when the provider becomes reachable again.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "init" {
			return applyConfigDir()
		}
		if err := applyConfigDir(); err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), appOptions{
			offline:  flagOffline,
			provider: flagProvider,
		})
		if err != nil {
			return err
		}
		current = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeApp()
	},
}

// applyConfigDir exports --config-dir so every config path helper sees it.
func applyConfigDir() error {
	if flagConfigDir == "" {
		return nil
	}
	return os.Setenv(config.EnvConfigDir, flagConfigDir)
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("cloudcache version {{.Version}}\n")
	rootCmd.PersistentFlags().BoolVar(&flagOffline, "offline", false, "Treat the network as unavailable; writes are queued")
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "Config directory (default: $CLOUDCACHE_CONFIG_DIR or ~/.cloudcache)")
	rootCmd.PersistentFlags().StringVarP(&flagProvider, "provider", "p", "", "Provider to use instead of active_provider")
}

// closeApp releases the app opened for this invocation. Cobra skips
// PersistentPostRunE when RunE fails, so Execute calls it again.
func closeApp() error {
	if current == nil {
		return nil
	}
	err := current.Close()
	current = nil
	return err
}

// Execute runs the root command
func Execute() error {
	defer closeApp()
	return rootCmd.ExecuteContext(context.Background())
}
