package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/chatrelay/internal/logging"
	"github.com/danmuck/chatrelay/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to a relay TOML config")
	printConfig := flag.Bool("print-config", false, "print the effective config as TOML and exit")
	flag.Parse()

	cfg := relay.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}

	if *printConfig {
		if err := writeConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logging.ConfigureRuntime("relayctl")
	if err := relay.NewServiceWithConfig(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}
