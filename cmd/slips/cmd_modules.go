package main

// ---------------------------------------------------------------------------
// cmd_modules.go: list the detector modules
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

func cmdModules(args []string) {
	fs := flag.NewFlagSet("modules", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	jsonOut := fs.Bool("json", false, "Output JSON")
	fs.Parse(args)

	cfg := loadConfig(envConfig(*configPath), true)
	mods := catalog(cfg)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(mods); err != nil {
			errorf("encoding: %v", err)
		}
		return
	}

	fmt.Fprintf(os.Stdout, "%s %d module(s)\n\n", bold("●"), len(mods))
	for _, m := range mods {
		state := dim("disabled")
		if m.Enabled {
			state = green("enabled")
		}
		fmt.Fprintf(os.Stdout, "  %-12s %-10s %s\n", bold(m.Name), state, m.Description)
		fmt.Fprintf(os.Stdout, "  %-12s %s\n", "", dim("channels: "+strings.Join(m.Channels, ", ")))
	}
}
