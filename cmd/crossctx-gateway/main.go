package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cordum/crossctx/core/controlplane/gateway"
	"github.com/cordum/crossctx/core/infra/buildinfo"
	"github.com/cordum/crossctx/core/infra/config"
)

func main() {
	log.Println("crossctx gateway starting...")
	buildinfo.Log("crossctx-gateway")
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gateway.Run(ctx, cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
