package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipeline-orchestrator/internal/app"
	"pipeline-orchestrator/internal/config"
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

	go svc.RunRelay(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           svc.APIServer().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("api listening on :%s env=%s store=%s progress=%s", cfg.HTTPPort, cfg.Env, cfg.StoreBackend, cfg.ProgressTransport)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
