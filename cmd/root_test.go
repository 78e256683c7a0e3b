package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spiderwho/internal/monitor"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestExecuteRequiresTwoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"proxies.txt"}, &stdout, &stderr)
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr.String(), "expected <proxies> and <domains>")
	assert.Contains(t, stderr.String(), "Usage:")
}

func TestExecuteRejectsSkipWithArchive(t *testing.T) {
	dir := t.TempDir()
	proxies := writeFile(t, dir, "proxies.txt", "127.0.0.1:1\n")
	domains := writeFile(t, dir, "domains.txt", "example.com\n")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"-s", proxies, domains}, &stdout, &stderr)
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr.String(), "--skip is only compatible with --files")
}

func TestExecuteUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, ExitUsage, execute(context.Background(), []string{"--bogus", "a", "b"}, &stdout, &stderr))
}

func TestExecuteMissingProxyList(t *testing.T) {
	dir := t.TempDir()
	domains := writeFile(t, dir, "domains.txt", "example.com\n")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"-q", filepath.Join(dir, "missing.txt"), domains}, &stdout, &stderr)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr.String(), "open proxy list")
}

func TestExecuteWorkerExhaustion(t *testing.T) {
	dir := t.TempDir()
	// Port 1 on loopback refuses connections, so the only proxy retires.
	proxies := writeFile(t, dir, "proxies.txt", "127.0.0.1:1\n")
	domains := writeFile(t, dir, "domains.txt", "a.com\nb.com\nc.com\n")
	cfgFile := writeFile(t, dir, "spiderwho.yaml", `
lookup:
  max_proxy_errors: 1
  max_attempts: 1
  timeout: 2s
status:
  interval: 10ms
  ready_poll: 5ms
  start_delay: 0s
`)

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"--config", cfgFile, "-f", "-o", filepath.Join(dir, "out"), "-l", proxies, domains,
	}, &stdout, &stderr)

	assert.Equal(t, ExitExhausted, code, stderr.String())
	assert.Contains(t, stdout.String(), "No valid proxy threads running!!")
	assert.Contains(t, stdout.String(), "Lookup exceptions:")
	assert.Contains(t, stdout.String(), "connection_refused")
}

func TestExecuteInterrupt(t *testing.T) {
	dir := t.TempDir()
	// The long start delay keeps the coordinator asleep until the interrupt.
	proxies := writeFile(t, dir, "proxies.txt", "127.0.0.1:1\n")
	domains := writeFile(t, dir, "domains.txt", "a.com\n")
	cfgFile := writeFile(t, dir, "spiderwho.yaml", `
status:
  enabled: false
  start_delay: 1h
`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	// Signals are released once, after the interrupt has been handled.
	var releases, releasedAfterCancel int
	ctx = withSignalRelease(ctx, func() {
		releases++
		if ctx.Err() != nil {
			releasedAfterCancel++
		}
	})

	var stdout, stderr bytes.Buffer
	code := execute(ctx, []string{"--config", cfgFile, "-o", filepath.Join(dir, "out"), proxies, domains}, &stdout, &stderr)
	assert.Equal(t, ExitOK, code, stderr.String())
	assert.Equal(t, 1, releases)
	assert.Equal(t, 1, releasedAfterCancel)

	archives, err := filepath.Glob(filepath.Join(dir, "out", "spiderwho-*.tar.gz"))
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}

func TestReleaseSignalsWithoutRelease(t *testing.T) {
	require.NotPanics(t, func() { releaseSignals(context.Background()) })
}

func TestExitCode(t *testing.T) {
	boom := assert.AnError
	tests := []struct {
		name    string
		outcome monitor.Outcome
		runErr  error
		pipeErr error
		want    int
	}{
		{name: "normal", outcome: monitor.OutcomeNormalCompletion, want: ExitOK},
		{name: "interrupt", outcome: monitor.OutcomeUserInterrupt, want: ExitOK},
		{name: "exhaustion", outcome: monitor.OutcomeWorkerExhaustion, want: ExitExhausted},
		{name: "ready timeout", outcome: monitor.OutcomeWorkerExhaustion, runErr: monitor.ErrReadyTimeout, want: ExitExhausted},
		{name: "finalize error", outcome: monitor.OutcomeNormalCompletion, runErr: boom, want: ExitError},
		{name: "pipeline error", outcome: monitor.OutcomeNormalCompletion, pipeErr: boom, want: ExitError},
		{name: "pipeline error on interrupt", outcome: monitor.OutcomeUserInterrupt, pipeErr: boom, want: ExitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.outcome, tt.runErr, tt.pipeErr))
		})
	}
}
