package main

// ---------------------------------------------------------------------------
// main.go: command dispatcher for the slips CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, http.go and usage.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.9.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "--version", "-V", "version":
		printVersion(os.Stdout)
		os.Exit(0)
	case "--help", "-h", "help":
		if len(args) >= 1 {
			cmdHelp(args[0])
		} else {
			printUsage(os.Stdout)
		}
		os.Exit(0)
	}

	for _, a := range args {
		if a == "-h" || a == "--help" {
			cmdHelp(subcmd)
			os.Exit(0)
		}
	}

	switch subcmd {
	case "up":
		cmdUp(args)
	case "worker":
		cmdWorker(args)
	case "stop":
		cmdStop(args)
	case "status":
		cmdStatus(args)
	case "publish":
		cmdPublish(args)
	case "modules":
		cmdModules(args)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
}
