package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/vadim/pulsefeed/internal/app"
	"github.com/vadim/pulsefeed/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a config file; environment wins when empty")
	flag.Parse()

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", *configPath, err)
		}
		cfg = loaded
	} else {
		cfg = config.MustLoad()
	}

	ctx := context.Background()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	// Run blocks until SIGINT/SIGTERM trigger a graceful shutdown.
	if err := application.Run(ctx); err != nil {
		log.Printf("engine stopped with error: %v", err)
		os.Exit(1)
	}
}
