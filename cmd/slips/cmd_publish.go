package main

// ---------------------------------------------------------------------------
// cmd_publish.go: publish one raw message on a broker channel
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
)

func cmdPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	channel := fs.String("channel", "", "Channel to publish on")
	data := fs.String("data", "", "Message payload")
	url := fs.String("url", "", "Broker URL (default: SLIPS_NATS_URL or bus config)")
	timeout := fs.Duration("timeout", 5*time.Second, "Connect and flush timeout")
	fs.Parse(args)

	if *channel == "" {
		errorf("-channel is required")
	}

	target := *url
	if target == "" {
		cfg := loadConfig(envConfig(*configPath), true)
		target = cfg.Bus.URL
		if target == "" {
			target = fmt.Sprintf("nats://%s:%d", cfg.Bus.Host, cfg.Bus.Port)
		}
	}

	nc, err := nats.Connect(target, nats.Name("slips-publish"), nats.Timeout(*timeout))
	if err != nil {
		errorf("connecting to %s: %v", target, err)
	}
	defer nc.Close()

	if err := nc.Publish(*channel, []byte(*data)); err != nil {
		errorf("publishing: %v", err)
	}
	if err := nc.FlushTimeout(*timeout); err != nil {
		errorf("flushing: %v", err)
	}

	note := ""
	if *channel == core.ChannelFinishedModules && *data == core.StopRequestToken {
		note = " (shutdown requested)"
	}
	fmt.Fprintf(os.Stderr, "%s published %d bytes on %s%s\n", green("✓"), len(*data), *channel, note)
}
