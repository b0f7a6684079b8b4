package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/paneboard/internal/config"
	"github.com/janekbaraniewski/paneboard/internal/core"
	"github.com/janekbaraniewski/paneboard/internal/dashboard"
	"github.com/janekbaraniewski/paneboard/internal/tui"
)

func newTopCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Show the provider usage dashboard in the terminal.",
		Run: func(_ *cobra.Command, _ []string) {
			runTop(cfg)
		},
	}
}

func runTop(cfg config.Config) {
	dash := buildDashboard(cfg)
	fetch := func(ctx context.Context, force bool) []core.ProviderSnapshot {
		return dash.GetDashboard(ctx, dashboard.Options{ForceRefresh: force, IncludeWindows: true})
	}

	program := tea.NewProgram(tui.NewModel(fetch), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
