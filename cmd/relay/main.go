package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inkwell/collab/internal/config"
	"inkwell/collab/internal/relay"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var history relay.History
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		log.Printf("Using PostgreSQL for document history")
		pg, err := relay.OpenPG(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer pg.Close()
		history = pg
	} else {
		log.Printf("Using in-memory document history")
		history = relay.NewMemoryHistory()
	}

	relayServer := relay.NewServer(history)
	defer relayServer.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relayServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No ReadTimeout/WriteTimeout: websocket connections are
		// long-lived and enforce their own deadlines per message.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Inkwell relay listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	relayServer.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
