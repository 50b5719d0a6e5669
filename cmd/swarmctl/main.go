// Command swarmctl is the operator-facing companion to swarmd. Its only
// subcommand today opens the swarm's database directly and renders a
// live read-only console of agents, the task pool, and recent events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/tui"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "tui" {
		fmt.Fprintln(os.Stderr, "usage: swarmctl tui [-db path] [-interval 2s]")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("tui", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the swarm database (defaults to GOCLAW_HOME/goclaw.db)")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	_ = fs.Parse(os.Args[2:])

	path := *dbPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "swarmctl: failed to resolve database path: %v\n", err)
			os.Exit(1)
		}
		path = cfg.DatabasePath
	}

	st, err := store.Open(path, bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarmctl: failed to open database at %s: %v\n", path, err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := tui.NewSnapshotProvider(st)

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		// No TTY to draw into (CI, piped output): print one snapshot and exit
		// rather than launching the alt-screen bubbletea program.
		fmt.Print(tui.RenderOnce(provider(ctx)))
		return
	}

	if err := tui.Run(ctx, provider, *interval); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "swarmctl: %v\n", err)
		os.Exit(1)
	}
}
