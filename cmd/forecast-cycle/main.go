// forecast-cycle runs one forecast cycle and exits: partition maintenance,
// bias refit, forecast correction, warning classification and bulletin
// persistence for every station. Intended for cron or batch schedulers;
// the daemon runs the same cycle in-process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hydrowatch/waterlevel-forecast/internal/app"
	"github.com/hydrowatch/waterlevel-forecast/internal/bias"
	"github.com/hydrowatch/waterlevel-forecast/internal/log"
	"github.com/hydrowatch/waterlevel-forecast/internal/pipeline"
	"github.com/hydrowatch/waterlevel-forecast/internal/warning"
	"github.com/hydrowatch/waterlevel-forecast/pkg/config"
)

func main() {
	cfgFile := flag.String("config", "config.yaml", "Path to YAML configuration file")
	dateArg := flag.String("date", "", "Initialization date to process (YYYY-MM-DD, default today)")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	skipMaintain := flag.Bool("skip-maintenance", false, "Skip partition provisioning and retirement")
	flag.Parse()

	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	clock := clockwork.NewRealClock()
	date := clock.Now().UTC().Truncate(24 * time.Hour)
	if *dateArg != "" {
		parsed, err := time.Parse("2006-01-02", *dateArg)
		if err != nil {
			log.Fatalf("invalid -date: %v", err)
		}
		date = parsed
	}

	filename, _ := filepath.Abs(*cfgFile)
	cfg, err := config.NewYAMLProvider(filename).LoadConfig()
	if err != nil {
		log.Fatalf("error reading config file: %v", err)
	}

	logger := log.GetSugaredLogger()
	store, err := app.OpenStore(cfg, logger)
	if err != nil {
		log.Fatalf("error opening store: %v", err)
	}
	defer store.Close()

	cycle := cfg.Cycle
	cycle.Defaults()
	engine := bias.NewEngine(bias.Options{Breakpoints: cycle.Breakpoints, MinOverlap: cycle.MinOverlap})
	runner := pipeline.New(store, engine, bias.NewCache(clock), warning.NewBulletinCache(clock), cycle, clock, logger)

	ctx := context.Background()
	if !*skipMaintain {
		if err := runner.Maintain(ctx); err != nil {
			log.Fatalf("partition maintenance failed: %v", err)
		}
	}
	if err := runner.RunCycle(ctx, date); err != nil {
		log.Fatalf("forecast cycle failed: %v", err)
	}
}
