package main

import (
	"bytes"
	"context"
	"os"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/contact-trace/internal/config"
	"github.com/signalsfoundry/contact-trace/internal/logging"
)

func quietLogger() logging.Logger {
	return logging.Noop()
}

func writeTrace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := strings.Join([]string{
		"1, 1970-01-01 00:00:00, 0, 0, 20, 90, 1",
		"2, 1970-01-01 00:00:10, 0.001, 0.001, 15, 180, 0",
		"3, 1970-01-01 00:00:50, 10, 10, 0, 0, 0",
		"3, 1970-01-01 00:00:50, 10, 10, 0, 0, 0",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "taxi-1.txt"), []byte(body), 0o644))
	return dir
}

func TestRunWrongArgCountPrintsUsage(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"only-one"},
		{"a", "b", "c"},
	} {
		var stdout, stderr bytes.Buffer
		code := run(context.Background(), args, &stdout, &stderr, quietLogger())
		assert.Equal(t, exitUsage, code, "args=%v", args)
		assert.Contains(t, stdout.String(), usageLine)
		assert.NotContains(t, stdout.String(), "Mobility Trace loading", "no processing without both arguments")
	}
}

func TestRunEndToEnd(t *testing.T) {
	src := writeTrace(t)
	out := t.TempDir()
	dest := filepath.Join(out, "contacts.txt")
	metricsFile := filepath.Join(out, "contact_trace.prom")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"-sorted", "-quiet", "-workers", "2", "-metrics-file", metricsFile, src, dest},
		&stdout, &stderr, quietLogger())
	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "1 2 0 10000\n", string(raw))

	console := stdout.String()
	for _, want := range []string{
		"Mobility Trace loading",
		"Trace - loading: ",
		"Trace - current: Trace{traceLength=3, contactLength=0}",
		"Contact Trace generation",
		"Trace - generate: ",
		"Trace - current: Trace{traceLength=3, contactLength=1}",
		"Contact Trace saving",
		"Trace - saving: ",
	} {
		assert.Contains(t, console, want)
	}
	assert.Less(t, strings.Index(console, "contactLength=0"), strings.Index(console, "contactLength=1"))

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "contact_trace_contacts 1")
	assert.Contains(t, string(metrics), "trace_files_loaded_total 1")
	assert.Contains(t, string(metrics), "trace_duplicate_records_total 1")
	assert.Contains(t, string(metrics), `contact_phase_duration_seconds_count{phase="generate"} 1`)
}

func TestRunFlagsOverrideConfigFile(t *testing.T) {
	src := writeTrace(t)
	dir := t.TempDir()
	cfg := filepath.Join(dir, "contact-trace.yml")
	// A 100 m range alone would drop the ~157 m contact.
	require.NoError(t, os.WriteFile(cfg, []byte("distance_meters: 100\nalgorithm: vincenty\n"), 0o644))
	dest := filepath.Join(dir, "contacts.txt")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-quiet", filepath.Join(dir, "missing"), dest}, &stdout, &stderr, quietLogger())
	require.Equal(t, exitError, code, "missing source dir must fail")

	code = run(context.Background(), []string{"-config", cfg, "-quiet", src, dest}, &stdout, &stderr, quietLogger())
	require.Equal(t, exitOK, code)
	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Empty(t, string(raw))

	code = run(context.Background(), []string{"-config", cfg, "-quiet", "-distance", "250", src, dest}, &stdout, &stderr, quietLogger())
	require.Equal(t, exitOK, code)
	raw, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "1 2 0 10000\n", string(raw))
}

func TestFlagOverridesOnlyApplyVisitedFlags(t *testing.T) {
	env := func(key string) (string, bool) {
		switch key {
		case config.EnvWorkers:
			return "3", true
		case config.EnvAlgorithm:
			return "plane", true
		}
		return "", false
	}

	fs, f, err := parseFlags([]string{"-workers", "0", "-trace", "a", "b"}, io.Discard)
	require.NoError(t, err)
	p, err := config.Resolve("", env, flagOverrides(fs, f))
	require.NoError(t, err)
	assert.Equal(t, runtime.GOMAXPROCS(0), p.Workers, "-workers 0 means one per CPU")
	assert.Equal(t, "plane", p.Algorithm, "unset flags keep the environment value")
	assert.True(t, p.TracingConfig().Enabled)

	fs, f, err = parseFlags([]string{"a", "b"}, io.Discard)
	require.NoError(t, err)
	p, err = config.Resolve("", env, flagOverrides(fs, f))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Workers)
	assert.False(t, p.TracingConfig().Enabled)
}

func TestRunRejectsInvalidParameters(t *testing.T) {
	src := writeTrace(t)
	dest := filepath.Join(t.TempDir(), "contacts.txt")

	for _, args := range [][]string{
		{"-distance", "-5", src, dest},
		{"-window", "0", src, dest},
		{"-algorithm", "manhattan", src, dest},
		{"-tz", "Nowhere/Special", src, dest},
		{"-workers", "-1", src, dest},
	} {
		var stdout, stderr bytes.Buffer
		code := run(context.Background(), args, &stdout, &stderr, quietLogger())
		assert.Equal(t, exitError, code, "args=%v", args)
		_, err := os.Stat(dest)
		assert.True(t, os.IsNotExist(err), "no output for args=%v", args)
	}
}

func TestRunMalformedTraceFails(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "bad.txt"), []byte("1,2007-02-20 00:00:00,0,0\n"), 0o644))
	dest := filepath.Join(t.TempDir(), "contacts.txt")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-quiet", src, dest}, &stdout, &stderr, quietLogger())
	assert.Equal(t, exitError, code)
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestRunUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-bogus", "a", "b"}, &stdout, &stderr, quietLogger())
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), usageLine)
}
