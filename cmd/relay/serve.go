package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/relay-core/config"
	"github.com/zhubert/relay-core/events"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/service"
	"github.com/zhubert/relay-core/transport"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay daemon",
	Long: `Starts the WebSocket server, reaps orphaned CLI processes from a
previous run, and begins health monitoring. Runs until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides the configured one)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("serve")

	bus := events.NewBus()
	svc := service.New(cfg, bus)

	if res := svc.CheckAvailability(); !res.Available {
		log.Warn("CLI binary not available at startup", "error", res.Error)
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", cfg.GetCLIBinary(), res.Error)
	}

	svc.PerformStartupCleanup()
	svc.StartMonitoring()

	// Permission settings follow the config file while running.
	watcher, err := config.Watch(cfg.FilePath(), func(updated *config.Config) {
		p := updated.GetPermissions()
		perms := svc.Permissions()
		perms.SetMode(p.Mode)
		perms.SetAllowedTools(p.AllowedTools)
		perms.SetDisallowedTools(p.DisallowedTools)
		perms.SetSkipPermissions(p.SkipPermissions)
		logger.SetDebug(updated.Logging.Debug)
		log.Info("configuration reloaded")
	})
	if err != nil {
		log.Warn("config watch unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	addr := listenAddr
	if addr == "" {
		addr = cfg.GetListenAddr()
	}

	server := &http.Server{
		Addr:    addr,
		Handler: transport.NewServer(svc, bus).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		fmt.Printf("relay listening on %s\n", addr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case sig := <-sigCh:
		log.Info("signal received, shutting down", "signal", sig.String())
		fmt.Println("shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), service.ShutdownTimeout)
	defer cancel()
	server.Shutdown(ctx)

	if err := svc.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}
