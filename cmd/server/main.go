package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fragstream/internal/api"
	"fragstream/internal/config"
	"fragstream/internal/logger"
	"fragstream/internal/session"
)

func main() {
	// 1. Parse command-line arguments
	listenAddr := flag.String("l", ":8080", "HTTP listen address")
	logLevel := flag.String("L", "info", "Log level (error, warn, info, debug)")
	configFile := flag.String("c", "", "Path to the config file (optional)")
	flag.Parse()

	// 2. Initialize logger
	log := logger.NewLogger(*logLevel)
	log.Infof("Starting fragstream...")
	log.Infof("Log level set to: %s", *logLevel)

	// 3. Load configuration
	cfg := config.Defaults()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Errorf("Failed to load configuration: %v", err)
			os.Exit(1)
		}
		cfg = loaded
		log.Infof("Configuration loaded successfully for: %s", cfg.Name)
	}

	// 4. Initialize the session manager and its background workers
	sessionMgr := session.NewManager(log, cfg)
	sessionMgr.Start()

	// 5. Set up API router with dependencies
	router := api.New(log, cfg, sessionMgr)

	// 6. Set up and run the HTTP server with graceful shutdown
	server := &http.Server{
		Addr:    *listenAddr,
		Handler: router,
	}

	go func() {
		log.Infof("Server starting on %s", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", *listenAddr, err)
			os.Exit(1)
		}
	}()

	// Listen for shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop background services and active playback sessions
	sessionMgr.Stop()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
		os.Exit(1)
	}

	log.Infof("Server exited gracefully")
}
