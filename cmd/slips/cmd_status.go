package main

// ---------------------------------------------------------------------------
// cmd_status.go: show coordinator state and workers
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

type statusResponse struct {
	State   string `json:"state"`
	Workers int    `json:"workers"`
	Pending int    `json:"pending"`
	Uptime  string `json:"uptime"`
}

type modulesResponse struct {
	Modules []struct {
		Name     string   `json:"name"`
		PID      int      `json:"pid"`
		Channels []string `json:"channels"`
		Running  bool     `json:"running"`
	} `json:"modules"`
	Total int `json:"total"`
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	host := fs.String("host", "", "API host override")
	port := fs.Int("port", 0, "API port override")
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	fs.Parse(args)

	cfg := loadConfig(envConfig(*configPath), true)
	base := apiBase(cfg, *host, *port)

	body, err := apiGet(base+"/api/v1/status", *timeout)
	if err != nil {
		errorf("%v", err)
	}
	if *jsonOut {
		fmt.Fprintln(os.Stdout, string(body))
		return
	}

	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		errorf("parsing response: %v", err)
	}

	fmt.Fprintf(os.Stdout, "%s slips status\n\n", bold("●"))
	fmt.Fprintf(os.Stdout, "  %-12s %s\n", "State:", stateColor(status.State))
	fmt.Fprintf(os.Stdout, "  %-12s %d\n", "Workers:", status.Workers)
	fmt.Fprintf(os.Stdout, "  %-12s %d\n", "Pending:", status.Pending)
	fmt.Fprintf(os.Stdout, "  %-12s %s\n", "Uptime:", status.Uptime)

	body, err = apiGet(base+"/api/v1/modules", *timeout)
	if err != nil {
		warnf("fetching modules: %v", err)
		return
	}
	var mods modulesResponse
	if err := json.Unmarshal(body, &mods); err != nil {
		warnf("parsing modules: %v", err)
		return
	}
	if mods.Total == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "\n  %-16s %-8s %s\n", bold("MODULE"), bold("PID"), bold("STATE"))
	for _, m := range mods.Modules {
		state := green("running")
		if !m.Running {
			state = dim("finished")
		}
		fmt.Fprintf(os.Stdout, "  %-16s %-8d %s\n", m.Name, m.PID, state)
	}
}

func stateColor(s string) string {
	switch s {
	case "running":
		return green(s)
	case "done":
		return dim(s)
	default:
		return yellow(s)
	}
}
