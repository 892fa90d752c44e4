package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/chamber/internal/engine"
	"github.com/zjrosen/chamber/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator daemon: it manages the repository in the current
directory (or --repo), supervises worker processes in isolated
worktrees, and exposes the HTTP API plus the SSE event stream.

Example:
  chamber serve                  # serve the repo in the working directory
  chamber serve --addr :8080     # listen on port 8080
  chamber serve --repo ~/src/app # serve another repository`,
	RunE: runServe,
}

var repoFlag string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&repoFlag, "repo", "", "repository to manage (default: working directory)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg.Debug = cfg.Debug || debugFlag

	eng, err := engine.New(engine.Options{Config: cfg, RepoDir: repoFlag})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	addr := addrFlag
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.New(eng).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	fmt.Printf("chamber daemon listening on %s (repo: %s)\n", addr, eng.RepoDir())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = eng.Shutdown(shutdownCtx)
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping http server: %v\n", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error shutting down engine: %v\n", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}
