// transpipe compiles a synthetic program through the translation pipeline
// and reports scheduling statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/transpipe/manifest"
)

func main() {
	dir := flag.String("dir", ".", "Directory to search for "+manifest.FileName)
	verbose := flag.Int("v", 0, "Log verbosity (0 is warnings only)")
	logPath := flag.String("log", "", "Log file (default stderr)")
	journalPath := flag.String("journal", "", "Event journal database (overrides [journal] path)")
	seed := flag.Int64("seed", -1, "Workload seed (overrides [workload] seed)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: transpipe [options]\n\n")
		fmt.Fprintf(os.Stderr, "Generates the workload described by %s, compiles it and prints pipeline statistics.\n\n", manifest.FileName)
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  transpipe -dir ./bench              # Use ./bench/%s\n", manifest.FileName)
		fmt.Fprintf(os.Stderr, "  transpipe -journal run.db -v 2      # Record events, log at info level\n")
	}
	flag.Parse()

	var path *string
	if *logPath != "" {
		path = logPath
	}
	commonlog.Configure(*verbose, path)

	m, err := manifest.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		d := manifest.Default()
		m = &d
		m.Dir, _ = filepath.Abs(*dir)
	}
	if *journalPath != "" {
		m.Journal.Path = *journalPath
	}
	if *seed >= 0 {
		m.Workload.Seed = *seed
	}
	if err := m.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, m, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
