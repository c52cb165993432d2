package main

import (
	"fmt"
	"os"

	"ghreplay/cmd"
	"ghreplay/internal/replay"
)

func main() {
	// The replay orchestrator re-execs this binary to serve a static
	// workspace as a real child process; intercept before kong ever sees
	// argv, since the marker argument isn't a CLI subcommand.
	if replay.RunStaticServeIfRequested(os.Args) {
		return
	}

	cmd.SetVersionInfo(Version, Commit, Date)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
