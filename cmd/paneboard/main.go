package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/paneboard/internal/config"
	"github.com/janekbaraniewski/paneboard/internal/version"
)

func main() {
	if os.Getenv("PANEBOARD_DEBUG") != "" {
		log.SetOutput(os.Stderr)
	} else {
		log.SetOutput(io.Discard)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Config path: %s\n", config.ConfigPath())
		os.Exit(1)
	}

	root := cobra.Command{
		Use:   "paneboard",
		Short: "Paneboard watches AI coding agent panes: usage, cost, git state, and remote control.",
		Run: func(_ *cobra.Command, _ []string) {
			runTop(cfg)
		},
	}

	root.AddCommand(newServeCommand(cfg))
	root.AddCommand(newTopCommand(cfg))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the paneboard version.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.String())
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
