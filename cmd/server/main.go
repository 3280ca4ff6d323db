package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jscharber/tenantcost/internal/app"
	"github.com/jscharber/tenantcost/pkg/logger"
)

const version = "1.0.0"

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		logLevel    = flag.String("log-level", "", "Override log level")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tenantcost server v%s\n", version)
		os.Exit(0)
	}

	cfg, err := app.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Logging.Version = version

	appLog := logger.NewLogger(&cfg.Logging)
	defer appLog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, appLog)
	if err != nil {
		appLog.Fatal("failed to assemble application: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLog.Info("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			appLog.Error("server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		appLog.Error("shutdown error: %v", err)
		os.Exit(1)
	}
	appLog.Info("shutdown complete")
}
