package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/deepsearch/internal/api"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the orchestrator is reachable",
	RunE:  runHealth,
}

var statusCmd = &cobra.Command{
	Use:   "status [search-id]",
	Short: "Show the server's status for a search",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [search-id]",
	Short: "Cancel a running search",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var newChatCmd = &cobra.Command{
	Use:   "new-chat",
	Short: "Reset the server-side chat session",
	Args:  cobra.NoArgs,
	RunE:  runNewChat,
}

var cancelReason string

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded with the cancellation")
}

func newAPIClient() *api.Client {
	return api.NewClient(cfg.Server.BaseURL, cfg.RequestTimeout)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	health, err := newAPIClient().CheckHealth(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator at %s is not healthy: %w", cfg.Server.BaseURL, err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Server:\t%s\n", cfg.Server.BaseURL)
	fmt.Fprintf(w, "Status:\t%s\n", health.Status)
	fmt.Fprintf(w, "Version:\t%s\n", health.Version)
	fmt.Fprintf(w, "Uptime:\t%s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	st, err := newAPIClient().GetStatus(ctx, args[0])
	if errors.Is(err, api.ErrNotFound) {
		return fmt.Errorf("no search %s on the server", args[0])
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Search:\t%s\n", st.SearchID)
	fmt.Fprintf(w, "Status:\t%s\n", st.Status)
	if st.CurrentStep != "" {
		fmt.Fprintf(w, "Step:\t%s\n", st.CurrentStep)
	}
	if st.Progress != nil {
		fmt.Fprintf(w, "Progress:\t%d%%\n", *st.Progress)
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	err := newAPIClient().CancelSearch(ctx, args[0], cancelReason)
	if errors.Is(err, api.ErrNotFound) {
		return fmt.Errorf("no search %s on the server", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Printf("Cancelled search: %s\n", args[0])
	return nil
}

func runNewChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	if err := newAPIClient().NewChat(ctx); err != nil {
		return err
	}
	fmt.Println("Started a new chat session")
	return nil
}
