package main

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

	"github.com/fentz26/deepsearch/internal/devserver"
	"github.com/fentz26/deepsearch/internal/log"
)

var (
	devListenAddr string
	devStepDelay  time.Duration
	devFailOn     string
	devHeartbeat  time.Duration
)

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run a local orchestrator that replays canned research runs",
	Long: `Starts a local server with the orchestrator's REST API and event stream.
Every search replays a fixed plan, three execution steps and an answer, so the
client can be exercised without a model backend. Queries containing the
--fail-on text end with an error event instead.`,
	Args: cobra.NoArgs,
	RunE: runDevServer,
}

func init() {
	devServerCmd.Flags().StringVar(&devListenAddr, "listen", "127.0.0.1:8000", "listen address for the API server")
	devServerCmd.Flags().DurationVar(&devStepDelay, "step-delay", devserver.DefaultOptions().StepDelay, "pause between emitted events")
	devServerCmd.Flags().DurationVar(&devHeartbeat, "heartbeat", devserver.DefaultOptions().HeartbeatInterval, "heartbeat interval for stream clients (0 disables)")
	devServerCmd.Flags().StringVar(&devFailOn, "fail-on", devserver.DefaultOptions().FailOn, "queries containing this text fail (empty disables)")
}

func runDevServer(cmd *cobra.Command, args []string) error {
	if !log.Enabled() {
		log.InitWriter(os.Stderr, log.LevelInfo)
	}

	service := devserver.NewService(devserver.Options{
		StepDelay:         devStepDelay,
		FailOn:            devFailOn,
		HeartbeatInterval: devHeartbeat,
		Version:           version,
	})
	server := devserver.NewServer(service, devListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "dev orchestrator listening on http://%s (Ctrl+C to stop)\n", devListenAddr)

	select {
	case sig := <-sigCh:
		log.Info(log.CatServer, "shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			service.Close()
			return fmt.Errorf("dev server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Closing the service first ends the hijacked stream connections.
	service.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.CatServer, "shutdown error", "error", err)
	}
	return nil
}
