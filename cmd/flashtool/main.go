package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/arksine/katapult-flashtool/internal/metrics"
)

func main() { os.Exit(run()) }

func run() int {
	cfg, showVersion, err := parseFlags()
	if showVersion {
		fmt.Printf("flashtool %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return 1
	}
	l := setupLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	if cfg.device == "" {
		err = runCAN(ctx, cfg, l)
	} else {
		err = runSerial(ctx, cfg, l)
	}
	stop()
	wg.Wait()
	if err != nil {
		l.Error("flash_error", "error", err)
		fmt.Println(err)
		return 1
	}
	if cfg.query {
		fmt.Println("Query Complete")
	} else {
		fmt.Println("Flash Success")
	}
	return 0
}
