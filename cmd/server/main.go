package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/wsrelay/internal/obs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, _ := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}
