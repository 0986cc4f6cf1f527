package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudcache/internal/common"
	"cloudcache/internal/config"
)

// The commands share package-level flag variables and the current app,
// so these tests run sequentially.

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

type cliEnv struct {
	dir   string
	drive string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	drive := filepath.Join(dir, "drive")
	t.Setenv(config.EnvConfigDir, dir)

	settings := `
log_level: off
sync:
  max_retry_count: 3
providers:
  - name: home
    type: local
    root: ` + drive + `
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(settings), 0600))
	return cliEnv{dir: dir, drive: drive}
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config-dir", e.dir}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	require.NoError(t, closeApp())
	return out.String(), err
}

func (e cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "cloudcache %s\n%s", strings.Join(args, " "), out)
	return out
}

func (e cliEnv) localFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, "src", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")
	t.Setenv(config.EnvConfigDir, dir)
	e := cliEnv{dir: dir}

	out := e.mustRun(t, "init")
	assert.Contains(t, out, filepath.Join(dir, "settings.yaml"))
	_, err := os.Stat(filepath.Join(dir, "settings.yaml"))
	require.NoError(t, err)
}

func TestOnlineFileCommands(t *testing.T) {
	e := newCLIEnv(t)
	src := e.localFile(t, "hello.html", "<h1>hi</h1>")

	out := e.mustRun(t, "put", "--cache-content", src)
	assert.Contains(t, out, "Uploaded")
	assert.Contains(t, out, "as hello.html")
	assert.NotContains(t, out, "queued")

	data, err := os.ReadFile(filepath.Join(e.drive, "hello.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>hi</h1>", string(data))

	out = e.mustRun(t, "ls")
	assert.Contains(t, out, "hello.html")

	out = e.mustRun(t, "stat", "hello.html")
	assert.Contains(t, out, "Name: hello.html")
	assert.Contains(t, out, "Type: text/html")

	out = e.mustRun(t, "get", "hello.html")
	assert.Equal(t, "<h1>hi</h1>", out)

	e.mustRun(t, "mkdir", "docs")
	e.mustRun(t, "mv", "hello.html", "docs")
	_, err = os.Stat(filepath.Join(e.drive, "docs", "hello.html"))
	require.NoError(t, err)

	out = e.mustRun(t, "search", "HELLO")
	assert.Contains(t, out, "docs/hello.html")

	out = e.mustRun(t, "quota")
	assert.Contains(t, out, "Provider: home")
	assert.Contains(t, out, "Used: 11 B")

	out = e.mustRun(t, "providers")
	assert.Contains(t, out, "* home")

	_, err = e.run(t, "stat", "missing.html")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestOfflineQueueAndSync(t *testing.T) {
	e := newCLIEnv(t)
	src := e.localFile(t, "notes.html", "draft")

	out := e.mustRun(t, "--offline", "put", src)
	assert.Contains(t, out, "as temp_")
	assert.Contains(t, out, "(queued)")
	_, err := os.Stat(filepath.Join(e.drive, "notes.html"))
	assert.True(t, os.IsNotExist(err), "nothing reaches the provider while offline")

	out = e.mustRun(t, "--offline", "ls")
	assert.Contains(t, out, "notes.html")
	assert.Contains(t, out, "[pending]")

	out = e.mustRun(t, "queue", "list")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "upload")

	_, err = e.run(t, "--offline", "sync")
	assert.Error(t, err)

	out = e.mustRun(t, "sync")
	assert.Contains(t, out, "completed 1")
	assert.Contains(t, out, "Reconciled ids: 1")
	data, err := os.ReadFile(filepath.Join(e.drive, "notes.html"))
	require.NoError(t, err)
	assert.Equal(t, "draft", string(data))

	out = e.mustRun(t, "--offline", "rm", "notes.html")
	assert.Contains(t, out, "(queued)")
	e.mustRun(t, "sync", "--wait", "--timeout", "10s")
	_, err = os.Stat(filepath.Join(e.drive, "notes.html"))
	assert.True(t, os.IsNotExist(err))

	out = e.mustRun(t, "cache", "status")
	assert.Contains(t, out, "Provider: home (online)")
	assert.Contains(t, out, "Queue: 0 pending, 0 syncing, 2 completed, 0 failed")

	out = e.mustRun(t, "queue", "prune")
	assert.Contains(t, out, "Pruned 2 op(s)")
	out = e.mustRun(t, "queue", "list")
	assert.Contains(t, out, "Queue is empty")
}

func TestCacheClear(t *testing.T) {
	e := newCLIEnv(t)
	src := e.localFile(t, "a.html", "a")
	e.mustRun(t, "--offline", "put", src)

	out := e.mustRun(t, "cache", "clear")
	assert.Contains(t, out, "Cleared cache of home")
	out = e.mustRun(t, "queue", "list")
	assert.Contains(t, out, "Queue is empty")

	out = e.mustRun(t, "cache", "clear", "--all")
	assert.Contains(t, out, "Cleared the whole cache")
}

func TestUnknownProvider(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, "--provider", "nope", "ls")
	assert.ErrorIs(t, err, common.ErrNoProvider)
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(1536*1024))
}
