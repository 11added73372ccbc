package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"lockstep/server/internal/app"
	"lockstep/server/internal/config"
	"lockstep/server/internal/telemetry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "YAML config file (defaults to $"+config.PathVariable+")")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, telemetry.WrapLogger(log.Default())); err != nil {
		log.Fatalf("%v", err)
	}
}
