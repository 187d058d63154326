package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/crossctx/core/controlplane/brokersvc"
	"github.com/cordum/crossctx/core/infra/buildinfo"
	"github.com/cordum/crossctx/core/infra/bus"
	"github.com/cordum/crossctx/core/infra/config"
	infraMetrics "github.com/cordum/crossctx/core/infra/metrics"
	"github.com/cordum/crossctx/core/infra/redisutil"
)

func main() {
	log.Println("crossctx broker starting...")
	buildinfo.Log("crossctx-broker")

	cfg := config.Load()
	settings, err := config.LoadBrokerSettings(cfg.SettingsPath)
	if err != nil {
		log.Printf("using default broker settings (could not load %s): %v", cfg.SettingsPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := infraMetrics.NewProm("crossctx_broker")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", infraMetrics.Handler())
		srv := &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		log.Printf("broker metrics on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	rdb, err := redisutil.Connect(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	rt, err := assemble(ctx, cfg, settings, natsBus, rdb, metrics)
	if err != nil {
		log.Fatalf("failed to assemble broker: %v", err)
	}
	defer rt.Close()

	if err := brokersvc.Serve(ctx, cfg.BrokerAddr, rt.broker); err != nil {
		log.Fatalf("broker error: %v", err)
	}
	log.Println("crossctx broker stopped")
}
