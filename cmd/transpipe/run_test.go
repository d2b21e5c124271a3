package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/transpipe/journal"
	"github.com/chazu/transpipe/manifest"
)

func smallManifest(t *testing.T) *manifest.Manifest {
	m := manifest.Default()
	m.Dir = t.TempDir()
	m.Workload.Methods = 24
	m.Workload.Entries = 4
	m.Workload.Invocations = 50
	m.Profiler.HotThreshold = 10
	require.NoError(t, m.Validate())
	return &m
}

func TestRunDefaultWorkload(t *testing.T) {
	m := smallManifest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, run(ctx, m, &out))
	report := out.String()
	for _, want := range []string{"tickets", "cctor pool", "type initializers", "stage cil", "stage cctor"} {
		assert.Contains(t, report, want)
	}
	assert.NotContains(t, report, "journal run")
}

func TestRunWithJournalAndLookahead(t *testing.T) {
	m := smallManifest(t)
	m.Lookahead.Mode = "dynamic"
	m.Lookahead.Scheduler = true
	m.Journal.Path = filepath.Join(m.Dir, "events.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, run(ctx, m, &out))
	assert.Contains(t, out.String(), "stage lookahead")
	assert.Contains(t, out.String(), "journal run")

	j, err := journal.Open(m.Journal.Path, journal.Options{})
	require.NoError(t, err)
	defer j.Close()
	runs, err := j.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	counts, err := j.Counts(runs[0])
	require.NoError(t, err)
	assert.Positive(t, counts["created"])
	assert.Equal(t, counts["created"], counts["destroyed"])
	assert.True(t, strings.Contains(out.String(), runs[0].String()))
}

func TestRunCanceled(t *testing.T) {
	m := smallManifest(t)
	m.Optimizer.PassDelay = "5ms"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := run(ctx, m, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}
