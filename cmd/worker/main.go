package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipeline-orchestrator/internal/app"
	"pipeline-orchestrator/internal/config"
	"pipeline-orchestrator/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	svc, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer svc.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor, err := svc.Processor(ctx, workerID)
	if err != nil {
		log.Fatalf("init processor: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	// The in-memory store lives in this process, so the API has to as well.
	if cfg.StoreBackend == "memory" {
		go svc.RunRelay(ctx)
		httpServer := &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           svc.APIServer().Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("api stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		log.Printf("memory store: serving api on :%s from the worker", cfg.HTTPPort)
	}

	log.Printf("worker %s started queues=%v poll=%s backoff_initial=%s ceiling_usd=%.2f",
		workerID, cfg.Queues(), cfg.WorkerPollInterval, cfg.BackoffInitial, cfg.HardCeilingUSD)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
