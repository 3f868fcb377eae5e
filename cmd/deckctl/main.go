package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-deck/internal/cli"
)

var version = "0.1.0-dev"

func main() {
	cli.Version = version
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cli.RootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
