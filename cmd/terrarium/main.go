// Command terrarium boots a world and runs it: event log, ledger,
// artifact store, executor, scheduler loops, the mint, and the
// operator dashboard, all in one process.
//
//	terrarium -config config.yaml -genesis world.yaml
//	terrarium -config config.yaml -resume checkpoint.json
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/terrarium-sim/terrarium/internal/config"
	"github.com/terrarium-sim/terrarium/internal/dashboard"
	"github.com/terrarium-sim/terrarium/internal/genesis"
	"github.com/terrarium-sim/terrarium/internal/kernel"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config.yaml (empty = defaults)")
		genesisPath = flag.String("genesis", "", "path to a genesis manifest (ignored with -resume)")
		resumePath  = flag.String("resume", "", "path to a checkpoint to resume from")
		listen      = flag.String("listen", "", "dashboard listen address (overrides config)")
		logPath     = flag.String("log", "", "event log path (overrides config)")
		saveOnExit  = flag.Bool("checkpoint-on-exit", true, "save a final checkpoint on shutdown")
	)
	flag.Parse()

	logger := log.New(log.Writer(), "[Terrarium] ", log.LstdFlags)

	if err := godotenv.Load(); err == nil {
		logger.Printf("📋 loaded .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("❌ config: %v", err)
	}
	if *listen != "" {
		cfg.Dashboard.Listen = *listen
		cfg.Dashboard.Enabled = true
	}
	if *logPath != "" {
		cfg.Events.LogPath = *logPath
	}
	if !*saveOnExit {
		cfg.Checkpoint.Path = ""
	}

	var k *kernel.Kernel
	if *resumePath != "" {
		k, err = kernel.Resume(cfg, *resumePath)
		if err != nil {
			logger.Fatalf("❌ resume: %v", err)
		}
	} else {
		k, err = kernel.New(cfg)
		if err != nil {
			logger.Fatalf("❌ boot: %v", err)
		}
		manifest, err := genesis.LoadManifestFile(*genesisPath)
		if err != nil {
			logger.Fatalf("❌ genesis manifest: %v", err)
		}
		if err := k.LoadGenesis(manifest); err != nil {
			logger.Fatalf("❌ genesis: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigC
		logger.Printf("🛑 %s received, shutting down", sig)
		cancel()
	}()

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(k, cfg.Dashboard.Listen)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Printf("❌ dashboard: %v", err)
				cancel()
			}
		}()
	}

	if err := k.Run(ctx); err != nil {
		logger.Fatalf("❌ kernel: %v", err)
	}
	logger.Printf("👋 world stopped")
}
