package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/transpipe/pipeline"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[priorities]
min = 0.0
max = 10.0
high-cutoff = 0.5

[threads.optimizer]
high = 2
low = 3

[cctor]
min-delta = 4
max-threads = 64

[lookahead]
mode = "dynamic"
depth = 3
scheduler = true

[optimizer]
passes = 6
pass-delay = "2ms"

[journal]
path = "events.db"

[workload]
methods = 10
entries = 2
seed = 7
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if m.Priorities.Max != 10 {
		t.Errorf("priorities max = %v, want 10", m.Priorities.Max)
	}
	if m.Threads.Optimizer.Low != 3 {
		t.Errorf("optimizer low threads = %d, want 3", m.Threads.Optimizer.Low)
	}
	if m.Threads.CIL.High != 1 {
		t.Errorf("cil high threads = %d, want default 1", m.Threads.CIL.High)
	}
	if m.Workload.Seed != 7 || m.Workload.FanOut != 3 {
		t.Errorf("workload = %+v, want seed 7 and default fan-out 3", m.Workload)
	}
	if want := filepath.Join(m.Dir, "events.db"); m.Journal.Path != want {
		t.Errorf("journal path = %q, want %q", m.Journal.Path, want)
	}
	if d, err := m.PassDelay(); err != nil || d != 2*time.Millisecond {
		t.Errorf("PassDelay = %v, %v, want 2ms", d, err)
	}

	cfg, err := m.PipelineConfig()
	if err != nil {
		t.Fatalf("PipelineConfig failed: %v", err)
	}
	if cfg.LookaheadMode != pipeline.LookaheadDynamic || !cfg.SchedulerPipe {
		t.Errorf("look-ahead = %s scheduler %t, want dynamic with scheduler", cfg.LookaheadMode, cfg.SchedulerPipe)
	}
	if cfg.MinCctorsDelta != 4 || cfg.MaxCctorThreads != 64 {
		t.Errorf("cctor delta/max = %d/%d, want 4/64", cfg.MinCctorsDelta, cfg.MaxCctorThreads)
	}
	if !cfg.RunCctors {
		t.Error("RunCctors = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("pipeline config invalid: %v", err)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "")

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	cfg, err := m.PipelineConfig()
	if err != nil {
		t.Fatal(err)
	}
	def := pipeline.DefaultConfig()
	if cfg.HighPriorityCutoff != def.HighPriorityCutoff || cfg.Cctor != def.Cctor || cfg.MinCctorsDelta != def.MinCctorsDelta {
		t.Errorf("default manifest config = %+v, want %+v", cfg, def)
	}
	if m.Journal.Path != "" {
		t.Errorf("journal path = %q, want disabled", m.Journal.Path)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"cutoff above one", "[priorities]\nhigh-cutoff = 1.5\n"},
		{"inverted range", "[priorities]\nmin = 1.0\nmax = 1.0\n"},
		{"no workers", "[threads.cil]\nhigh = 0\n"},
		{"unknown mode", "[lookahead]\nmode = \"psychic\"\n"},
		{"ceiling below pool", "[threads.cctor]\nhigh = 8\n[cctor]\nmax-threads = 4\n"},
		{"bad delay", "[optimizer]\npass-delay = \"soon\"\n"},
		{"hot priority out of range", "[profiler]\nhot-priority = 2.0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tt.content)
			m, err := Load(dir)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if err := m.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadManifestParseError(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[priorities\nmin = ")
	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[workload]\nmethods = 3\nentries = 1\n")

	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Workload.Methods != 3 {
		t.Errorf("workload methods = %d, want 3", m.Workload.Methods)
	}
	absRoot, _ := filepath.Abs(root)
	if m.Dir != absRoot {
		t.Errorf("manifest dir = %q, want %q", m.Dir, absRoot)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil manifest, got %+v", m)
	}
}
