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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cloudcache/internal/metrics"
)

var watchMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay in the foreground and replay queued writes whenever the provider comes back",
	Long: `Probe the active provider every sync.online_check_interval and replay the
offline queue on every offline -> online transition. Runs until interrupted.

With --metrics-addr the Prometheus metrics are served on /metrics.

Examples:
  cloudcache watch
  cloudcache watch --metrics-addr :9464`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if current.monitor == nil {
		return errors.New("watch needs connectivity probing; drop --offline / offline: true")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl-C to stop)\n", current.mgr.Active())

	// Ops queued by earlier offline invocations would otherwise wait for the next edge.
	if current.mgr.Online() && current.cache.Capabilities().SyncQueue {
		if _, err := current.mgr.SyncPendingOperations(ctx); err != nil {
			log.WithError(err).Warn("watch: initial sync failed")
		}
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return current.mgr.Run(ctx)
	})
	p.Go(func(ctx context.Context) error {
		return current.monitor.Run(ctx)
	})
	if watchMetricsAddr != "" {
		p.Go(func(ctx context.Context) error {
			return serveMetrics(ctx, watchMetricsAddr)
		})
	}

	err := p.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveMetrics serves /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("metrics server listening")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}
