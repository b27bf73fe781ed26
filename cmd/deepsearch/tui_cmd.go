package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/deepsearch/internal/client"
	"github.com/fentz26/deepsearch/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive TUI",
	RunE:  runTUI,
}

func runTUI(cmd *cobra.Command, args []string) error {
	ctrl, err := client.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	app := tui.New(ctrl, cfg.UI)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
