package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"emissionguard/cmd/emissiond/app"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.NewCommand(ctx, version).Execute(); err != nil {
		stop()
		os.Exit(1)
	}
}
