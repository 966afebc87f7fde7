package main

// ---------------------------------------------------------------------------
// cmd_stop.go: request a coordinated shutdown of a running instance
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func cmdStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	fs.Parse(args)

	cfg := loadConfig(envConfig(*configPath), true)
	base := apiBase(cfg, *host, *port)

	fmt.Fprintf(os.Stderr, "%s Requesting shutdown at %s...\n", dim("▸"), base)
	_, err := apiPost(base+"/api/v1/shutdown", nil, *timeout)
	if err != nil {
		if isConnectionError(err) {
			fmt.Fprintf(os.Stderr, "%s slips is not running at %s\n", yellow("⚠"), base)
			os.Exit(1)
		}
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stderr, "%s Shutdown requested.\n", green("✓"))
}
