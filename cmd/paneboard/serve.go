package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/janekbaraniewski/paneboard/internal/config"
	"github.com/janekbaraniewski/paneboard/internal/daemon"
	"github.com/janekbaraniewski/paneboard/internal/sched"
	"github.com/janekbaraniewski/paneboard/internal/session"
)

func newServeCommand(cfg config.Config) *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the paneboard daemon on a unix socket.",
		RunE: func(_ *cobra.Command, _ []string) error {
			if socketPath != "" {
				cfg.SocketPath = socketPath
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path (default from config)")
	return cmd
}

func runServe(cfg config.Config) error {
	svc, err := buildSession(cfg)
	if err != nil {
		return fmt.Errorf("building session service: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gitPoller := sched.NewPoller(
		time.Duration(cfg.Polling.GitIntervalSeconds)*time.Second,
		func(ctx context.Context) { refreshGitScopes(ctx, svc) },
	)
	go gitPoller.Run(ctx)

	server := daemon.New(daemon.Config{
		SocketPath: cfg.SocketPath,
		Verbose:    os.Getenv("PANEBOARD_DEBUG") != "",
	}, svc)
	server.Pollers = []*sched.Poller{gitPoller}
	return server.Run(ctx)
}

// refreshGitScopes re-polls every scope a client has touched; the signature
// gate inside the cache keeps unchanged repos from churning observers.
func refreshGitScopes(ctx context.Context, svc *session.Service) {
	for _, scope := range svc.GitCache.Scopes() {
		svc.RefreshDiffSummary(ctx, scope.PaneID, session.GitOptions{WorktreePath: scope.Worktree})
	}
}
