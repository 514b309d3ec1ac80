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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xiaot623/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/chatrelay/internal/config"
	"github.com/xiaot623/chatrelay/internal/hub"
	"github.com/xiaot623/chatrelay/internal/observability"
	"github.com/xiaot623/chatrelay/internal/policy"
	"github.com/xiaot623/chatrelay/internal/repository"
	"github.com/xiaot623/chatrelay/internal/service"
	"github.com/xiaot623/chatrelay/internal/telemetry"
	handler "github.com/xiaot623/chatrelay/internal/transport/http"
	"github.com/xiaot623/chatrelay/internal/transport/ws"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting chat relay...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Upstream URL: %s", cfg.UpstreamBaseURL)
	if cfg.UpstreamAPIKey == "" && cfg.Mode != llm.ModeMock {
		log.Printf("WARN: OPENROUTER_API_KEY is not set; chat turns will fail")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize tracing
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Exporter:       cfg.TracesExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		ServiceVersion: version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize upstream client
	llmClient := llm.NewCompleter(cfg.Mode, llm.ClientConfig{
		BaseURL: cfg.UpstreamBaseURL,
		APIKey:  cfg.UpstreamAPIKey,
		Referer: cfg.UpstreamReferer,
		Title:   cfg.UpstreamTitle,
		Timeout: cfg.UpstreamTimeout,
		RPS:     cfg.UpstreamRPS,
		Burst:   cfg.UpstreamBurst,
	})

	// Initialize policy engine
	policyEngine, err := policy.Load(ctx, cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	// Initialize service
	svc := service.New(db, llmClient, cfg, policyEngine, metrics)

	// WebSocket hub
	h := hub.NewHub()
	go h.Run(ctx)

	wsServer := ws.NewServer(cfg, h, svc)
	server := handler.NewServer(cfg, svc, wsServer, reg)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Chat API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down chat relay...")

	// Graceful shutdown. HTTP turns end with their requests; WebSocket turns
	// are waited for, or cancelled at the deadline, before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("WebSocket turns did not finish in time: %v", err)
	}
	stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Failed to flush traces: %v", err)
	}

	log.Println("Chat relay stopped")
}
