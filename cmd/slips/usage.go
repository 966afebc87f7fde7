package main

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "slips v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%s  %s\n\n", bold("slips"), dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  slips <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-10s  %s\n", bold("up"), "Start the coordinator and one worker per enabled module")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("worker"), "Run a single detector module (started by up)")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("stop"), "Ask a running coordinator to shut down")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("status"), "Show coordinator state and workers")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("publish"), "Publish a raw message on a broker channel")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("modules"), "List the detector modules")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("help"), "Show help for a command")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT"))
	fmt.Fprintf(w, "  %-16s  %s\n", "SLIPS_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-16s  %s\n", "SLIPS_NATS_URL", "Broker URL; set by up for its workers")
	fmt.Fprintln(w)
}

var commandHelp = map[string]string{
	"up": `slips up [-config path] [-inprocess] [-flows file] [-modules a,b] [-log-level level]

Starts the broker (embedded unless bus.embedded is false), the evidence
collector and the status API, then one worker per enabled module. With
-inprocess the workers run as goroutines sharing one in-memory store, and
-flows loads JSON flow records into that store and announces their windows.
Shutdown starts on SIGINT/SIGTERM, POST /api/v1/shutdown, a stop_slips
message on finished_modules or, when configured, an idle input.`,
	"worker": `slips worker -module name [-config path]

Runs one detector. Connects to the broker in SLIPS_NATS_URL, handles
messages until stop_process arrives, then announces itself on
finished_modules. SIGINT is ignored; SIGTERM stops the worker cleanly.`,
	"stop": `slips stop [-config path] [-host h] [-port p] [-timeout 5s]

Requests a coordinated shutdown through the status API.`,
	"status": `slips status [-config path] [-host h] [-port p] [-json]

Shows the coordinator state and the registered workers.`,
	"publish": `slips publish -channel name -data payload [-url nats://...]

Publishes one message. Useful to inject tw_modified or new_notice payloads,
or stop_slips on finished_modules.`,
	"modules": `slips modules [-json]

Lists the detector modules compiled into the binary.`,
}

func cmdHelp(cmd string) {
	text, ok := commandHelp[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, red("error: ")+"no help for %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, text)
}
