// Command forge-server runs the HTTP API without the CLI wrapper. It is
// what deployments use; `forge serve` exists for local development.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"forge/internal/app"
	"forge/internal/config"
	httpserver "forge/internal/server/http"
)

func main() {
	configPath := flag.String("config", "", "path to forge-config.json")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "forge-server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	services, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := httpserver.NewServer(httpserver.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		EnableCORS:  cfg.EnableCORS,
		ProjectRoot: cfg.ProjectRoot,
	}, services.Orchestrator, services.Store, services.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.ListenAndServe(groupCtx)
	})
	services.Logger.Info("forge-server listening on %s:%d", cfg.Host, cfg.Port)
	return group.Wait()
}
