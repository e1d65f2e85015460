package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fileconvert/api"
	"fileconvert/config"
	"fileconvert/services"

	"github.com/spf13/cobra"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the conversion workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(commandContext(cmd), cfg, true, autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply database migrations before starting")
	return cmd
}

func newWorkerCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run conversion workers and webhook delivery without the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(commandContext(cmd), cfg, false, false)
		},
	}
}

func run(parent context.Context, cfg *config.Config, withAPI, autoMigrate bool) error {
	log.Println("Starting file conversion service...")

	rt, err := newRuntime(parent, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if autoMigrate {
		db, err := rt.requireDB()
		if err != nil {
			return err
		}
		if err := services.Migrate(db); err != nil {
			return err
		}
	}

	// Webhook delivery outlives the workers so terminal events raised during
	// shutdown still go out.
	rt.notifier.Start(context.WithoutCancel(parent))

	if _, err := rt.pool.RecoverOrphaned(parent); err != nil {
		log.Printf("[Recovery] Startup recovery failed: %v", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.pool.Run(ctx)
	}()

	var server *http.Server
	serverErr := make(chan error, 1)
	if withAPI {
		server = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.NewRouter(api.NewHandler(rt.svc, cfg)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[API] Listening on %s", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	log.Println("Service is ready to process conversions")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-sigChan:
		log.Println("Shutdown signal received, stopping workers...")
	case err := <-serverErr:
		log.Printf("[API] Server failed: %v", err)
		runErr = err
	case <-parent.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(parent), shutdownTimeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[API] Shutdown error: %v", err)
		}
	}
	cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers stopped gracefully")
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout, forcing exit")
	}

	if err := rt.notifier.Stop(shutdownCtx); err != nil {
		log.Printf("[Webhook] Pending deliveries abandoned: %v", err)
	}

	log.Println("Conversion service stopped")
	return runErr
}
