// Package session is the facade the transport talks to. It ties the
// dashboard, git cache, and screen gateway together and scopes every git
// operation to (paneId, worktreePath) with latest-wins semantics.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/core"
	"github.com/janekbaraniewski/paneboard/internal/dashboard"
	"github.com/janekbaraniewski/paneboard/internal/gitstate"
	"github.com/janekbaraniewski/paneboard/internal/guard"
	"github.com/janekbaraniewski/paneboard/internal/mux"
	"github.com/janekbaraniewski/paneboard/internal/screen"
)

// Service exposes the session API. One instance serves all panes.
type Service struct {
	Dashboard *dashboard.Dashboard
	Git       *gitstate.Fetcher
	GitCache  *gitstate.Cache
	Screen    *screen.Gateway
	Mux       mux.Adapter
	Now       func() time.Time

	mu     sync.Mutex
	guards map[string]*guard.Guard // paneID -> guard; worktree is the scope key
}

func New(dash *dashboard.Dashboard, git *gitstate.Fetcher, cache *gitstate.Cache, scr *screen.Gateway, adapter mux.Adapter) *Service {
	return &Service{
		Dashboard: dash,
		Git:       git,
		GitCache:  cache,
		Screen:    scr,
		Mux:       adapter,
		Now:       time.Now,
		guards:    map[string]*guard.Guard{},
	}
}

// guardFor returns the pane's request guard. The worktree path is the scope
// key, so switching worktrees drops in-flight results for the old one.
func (s *Service) guardFor(paneID string) *guard.Guard {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[paneID]
	if !ok {
		g = guard.New()
		s.guards[paneID] = g
	}
	return g
}

// GitOptions scope a git request to a pane and worktree.
type GitOptions struct {
	WorktreePath string
	Force        bool
}

// DashboardResponse is the getDashboard payload.
type DashboardResponse struct {
	Providers []core.ProviderSnapshot `json:"providers"`
	FetchedAt time.Time               `json:"fetchedAt"`
}

func (s *Service) GetDashboard(ctx context.Context, opts dashboard.Options) DashboardResponse {
	return DashboardResponse{
		Providers: s.Dashboard.GetDashboard(ctx, opts),
		FetchedAt: s.Now(),
	}
}

func (s *Service) GetProviderSnapshot(ctx context.Context, providerID string, opts dashboard.Options) core.ProviderSnapshot {
	return s.Dashboard.GetProviderSnapshot(ctx, providerID, opts)
}

var errSuperseded = apierr.New(apierr.CodeInternal, "request superseded by a newer one in the same scope")

// runGitGuarded fetches under the pane's guard and publishes through put
// only when the request is still current. Superseded requests fall back to
// whatever the cache holds.
func runGitGuarded[T any](
	ctx context.Context,
	s *Service,
	paneID, worktree string,
	fetch func(ctx context.Context) (T, error),
	put func(T),
	cached func() (T, bool),
) (T, error) {
	var (
		out   T
		err   error
		stale bool
	)
	guard.Run(ctx, s.guardFor(paneID), worktree,
		fetch,
		func(v T) {
			put(v)
			out = v
		},
		func(e error) { err = e },
		func(st bool) { stale = st },
	)
	if stale {
		if v, ok := cached(); ok {
			return v, nil
		}
		var zero T
		return zero, errSuperseded
	}
	return out, err
}

func (s *Service) GetDiffSummary(ctx context.Context, paneID string, opts GitOptions) (gitstate.DiffSummary, error) {
	if !opts.Force {
		if cached, ok := s.GitCache.Summary(paneID, opts.WorktreePath); ok {
			return cached, nil
		}
	}
	return runGitGuarded(ctx, s, paneID, opts.WorktreePath,
		func(ctx context.Context) (gitstate.DiffSummary, error) {
			return s.Git.DiffSummary(ctx, opts.WorktreePath)
		},
		func(v gitstate.DiffSummary) { s.GitCache.PutSummary(paneID, opts.WorktreePath, v) },
		func() (gitstate.DiffSummary, bool) { return s.GitCache.Summary(paneID, opts.WorktreePath) },
	)
}

// RefreshDiffSummary is the poll-tick entry point: it fetches and replaces
// the cached summary only when the signature changed.
func (s *Service) RefreshDiffSummary(ctx context.Context, paneID string, opts GitOptions) {
	if _, err := s.GetDiffSummary(ctx, paneID, GitOptions{WorktreePath: opts.WorktreePath, Force: true}); err != nil {
		log.Printf("event=git_poll_failed pane=%s err=%v", paneID, err)
	}
}

func (s *Service) GetDiffFile(ctx context.Context, paneID string, opts GitOptions, path string, staged bool) (gitstate.DiffFile, error) {
	if !opts.Force {
		if cached, ok := s.GitCache.DiffFile(paneID, opts.WorktreePath, path); ok {
			return cached, nil
		}
	}
	return runGitGuarded(ctx, s, paneID, opts.WorktreePath,
		func(ctx context.Context) (gitstate.DiffFile, error) {
			return s.Git.DiffFile(ctx, opts.WorktreePath, path, staged)
		},
		func(v gitstate.DiffFile) { s.GitCache.PutDiffFile(paneID, opts.WorktreePath, v) },
		func() (gitstate.DiffFile, bool) { return s.GitCache.DiffFile(paneID, opts.WorktreePath, path) },
	)
}

func (s *Service) GetCommitLog(ctx context.Context, paneID string, opts GitOptions, offset int) (gitstate.CommitLog, error) {
	if !opts.Force && offset == 0 {
		if cached, ok := s.GitCache.Log(paneID, opts.WorktreePath); ok {
			return cached, nil
		}
	}
	appendPage := offset > 0
	page, err := runGitGuarded(ctx, s, paneID, opts.WorktreePath,
		func(ctx context.Context) (gitstate.CommitLog, error) {
			return s.Git.CommitLog(ctx, opts.WorktreePath, offset)
		},
		func(v gitstate.CommitLog) { s.GitCache.PutLog(paneID, opts.WorktreePath, v, appendPage) },
		func() (gitstate.CommitLog, bool) { return s.GitCache.Log(paneID, opts.WorktreePath) },
	)
	if err != nil {
		return gitstate.CommitLog{}, err
	}
	if appendPage {
		// Paging responses return the merged log so clients need not splice.
		if merged, ok := s.GitCache.Log(paneID, opts.WorktreePath); ok {
			return merged, nil
		}
	}
	return page, nil
}

func (s *Service) GetCommitDetail(ctx context.Context, paneID string, opts GitOptions, hash string) (gitstate.CommitDetail, error) {
	if !opts.Force {
		if cached, ok := s.GitCache.CommitDetail(paneID, opts.WorktreePath, hash); ok {
			return cached, nil
		}
	}
	return runGitGuarded(ctx, s, paneID, opts.WorktreePath,
		func(ctx context.Context) (gitstate.CommitDetail, error) {
			return s.Git.CommitDetail(ctx, opts.WorktreePath, hash)
		},
		func(v gitstate.CommitDetail) { s.GitCache.PutCommitDetail(paneID, opts.WorktreePath, v) },
		func() (gitstate.CommitDetail, bool) { return s.GitCache.CommitDetail(paneID, opts.WorktreePath, hash) },
	)
}

func (s *Service) GetCommitFile(ctx context.Context, paneID string, opts GitOptions, hash, path string) (gitstate.DiffFile, error) {
	if !opts.Force {
		if cached, ok := s.GitCache.CommitFile(paneID, opts.WorktreePath, hash, path); ok {
			return cached, nil
		}
	}
	return runGitGuarded(ctx, s, paneID, opts.WorktreePath,
		func(ctx context.Context) (gitstate.DiffFile, error) {
			return s.Git.CommitFile(ctx, opts.WorktreePath, hash, path)
		},
		func(v gitstate.DiffFile) { s.GitCache.PutCommitFile(paneID, opts.WorktreePath, hash, v) },
		func() (gitstate.DiffFile, bool) { return s.GitCache.CommitFile(paneID, opts.WorktreePath, hash, path) },
	)
}

func (s *Service) GetScreen(ctx context.Context, paneID string, mode screen.Mode, cursor string) (screen.Response, error) {
	return s.Screen.GetScreen(ctx, paneID, mode, cursor)
}

func (s *Service) SendText(ctx context.Context, paneID, text string, pressEnter, bypassGuard bool) error {
	return s.Screen.SendText(ctx, paneID, text, pressEnter, bypassGuard)
}

func (s *Service) SendKeys(ctx context.Context, paneID string, keys []string) error {
	return s.Screen.SendKeys(ctx, paneID, keys)
}

func (s *Service) SendRaw(ctx context.Context, paneID, text string, bypassGuard bool) error {
	return s.Screen.SendRaw(ctx, paneID, text, bypassGuard)
}

func (s *Service) FocusPane(ctx context.Context, paneID string) error {
	return s.Mux.ActivatePane(ctx, paneID)
}

// KillPane tears the pane down and drops every cache keyed to it.
func (s *Service) KillPane(ctx context.Context, paneID string) error {
	if err := s.Mux.KillPane(ctx, paneID); err != nil {
		return err
	}
	s.Screen.ForgetPane(paneID)
	s.mu.Lock()
	delete(s.guards, paneID)
	s.mu.Unlock()
	return nil
}

// ResetScope drops the git cache for one (paneId, worktree) pair, e.g. when
// the client reports a worktree switch.
func (s *Service) ResetScope(paneID, worktree string) {
	s.GitCache.Reset(paneID, worktree)
	s.guardFor(paneID).SetScope(worktree)
}
