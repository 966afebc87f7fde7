package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
)

const defaultConfigPath = "configs/default.yaml"

var (
	colorOnce sync.Once
	colorOn   bool
)

// useColor is decided once per process: NO_COLOR and TERM=dumb win over a
// terminal on stderr.
func useColor() bool {
	colorOnce.Do(func() {
		if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
			return
		}
		fi, err := os.Stderr.Stat()
		colorOn = err == nil && fi.Mode()&os.ModeCharDevice != 0
	})
	return colorOn
}

func paint(sgr string) func(string) string {
	return func(s string) string {
		if !useColor() {
			return s
		}
		return "\033[" + sgr + "m" + s + "\033[0m"
	}
}

var (
	red    = paint("91")
	yellow = paint("93")
	green  = paint("32")
	dim    = paint("90")
	bold   = paint("1")
)

// errorf prints to stderr and exits 1.
func errorf(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, red("error: ")+fmt.Sprintf(format, args...))
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, yellow("warn: ")+fmt.Sprintf(format, args...))
}

// envConfig resolves the config path. An explicit -config wins, then
// SLIPS_CONFIG, then the default.
func envConfig(flagVal string) string {
	if flagVal != defaultConfigPath && flagVal != "" {
		return flagVal
	}
	if p := os.Getenv(core.EnvConfigPath); p != "" {
		return p
	}
	return flagVal
}

// loadConfig exits on load or validation errors. Warnings are printed
// unless quiet.
func loadConfig(path string, quiet bool) *core.Config {
	cfg, err := core.LoadConfig(path)
	if err != nil {
		errorf("loading config: %v", err)
	}
	warnings, errs := cfg.Validate()
	if !quiet {
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, yellow("⚠ ")+w)
		}
	}
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, red("✗ ")+e.Error())
	}
	if len(errs) > 0 {
		errorf("%d config error(s) in %s", len(errs), path)
	}
	return cfg
}

// apiBase is the coordinator API URL. A wildcard listen host is reached on
// loopback.
func apiBase(cfg *core.Config, hostOverride string, portOverride int) string {
	host, port := cfg.Server.Host, cfg.Server.Port
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if hostOverride != "" {
		host = hostOverride
	}
	if portOverride != 0 {
		port = portOverride
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

var commands = []string{"up", "worker", "stop", "status", "publish", "modules", "version", "help"}

// suggest returns the command the user most likely meant: a prefix match
// first, otherwise the closest command within two edits.
func suggest(input string) string {
	input = strings.ToLower(input)
	for _, c := range commands {
		if strings.HasPrefix(c, input) || strings.HasPrefix(input, c) {
			return c
		}
	}
	best, bestDist := "", 3
	for _, c := range commands {
		if d := editDistance(input, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
