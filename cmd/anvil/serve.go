package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/anvil/internal/config"
	"github.com/michaelbrown/anvil/internal/registry"
	"github.com/michaelbrown/anvil/internal/server"
	"github.com/michaelbrown/anvil/internal/storage"
	"github.com/michaelbrown/anvil/internal/storage/sqlite"
	"github.com/michaelbrown/anvil/internal/supervisor"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Anvil daemon",
	Long: `Start the Anvil daemon: the management HTTP API plus the process
supervisor. Servers marked enabled with auto_start are started on boot.

Examples:
  anvil serve
  anvil serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	// Process state does not survive restarts: reset every row to
	// stopped before auto-starting.
	if err := resetStatuses(cmd.Context(), store); err != nil {
		return fmt.Errorf("resetting server statuses: %w", err)
	}

	sup := supervisor.New(store, supervisor.Options{
		HandshakeTimeout: cfg.RPC.HandshakeTimeout,
		ProbeTimeout:     cfg.RPC.ProbeTimeout,
	})
	reg := registry.New(store, sup)

	if err := sup.StartAll(cmd.Context()); err != nil {
		log.Printf("Warning: auto-start: %v", err)
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, store, reg, sup)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	return srv.Start(port)
}

func resetStatuses(ctx context.Context, store storage.Store) error {
	servers, err := store.ListServers(ctx)
	if err != nil {
		return err
	}
	for _, srv := range servers {
		if srv.Status == storage.StatusStopped && srv.ProcessID == 0 {
			continue
		}
		if err := store.UpdateServerStatus(ctx, srv.ID, storage.StatusStopped, 0, ""); err != nil {
			return err
		}
	}
	return nil
}
