package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/luxfi/log"

	"github.com/luxfi/perpsim/pkg/sim"
)

func main() {
	configPath := flag.String("config", "", "Scenario file (JSON); empty runs the built-in scenario")
	hours := flag.Int("hours", 0, "Override scenario hours")
	seed := flag.Int64("seed", 0, "Override scenario seed")
	out := flag.String("out", "-", "Report output path, - for stdout")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, _ := log.ToLevel(*logLevel)
	logger := log.NewTestLogger(level)

	cfg := sim.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = sim.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "perpsim: %v\n", err)
			os.Exit(1)
		}
	}
	if *hours > 0 {
		cfg.Hours = *hours
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}

	logger.Info("starting simulation",
		"hours", cfg.Hours, "seed", cfg.Seed,
		"users", len(cfg.Users), "events", len(cfg.Events))

	simulator, err := sim.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perpsim: %v\n", err)
		os.Exit(1)
	}

	report, err := simulator.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perpsim: %v\n", err)
		os.Exit(1)
	}
	if err := sim.WriteReport(report, *out); err != nil {
		fmt.Fprintf(os.Stderr, "perpsim: %v\n", err)
		os.Exit(1)
	}
}
