package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mashiike/calnotify"
)

var Version = "current"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer cancel()
	calnotify.Version = Version
	var cli calnotify.CLI
	os.Exit(cli.Run(ctx))
}
