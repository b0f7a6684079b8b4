package main

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/config"
	"github.com/janekbaraniewski/paneboard/internal/core"
	"github.com/janekbaraniewski/paneboard/internal/cost"
	"github.com/janekbaraniewski/paneboard/internal/credentials"
	"github.com/janekbaraniewski/paneboard/internal/dashboard"
	"github.com/janekbaraniewski/paneboard/internal/gitstate"
	"github.com/janekbaraniewski/paneboard/internal/mux"
	"github.com/janekbaraniewski/paneboard/internal/pricing"
	"github.com/janekbaraniewski/paneboard/internal/providers"
	"github.com/janekbaraniewski/paneboard/internal/providers/claude"
	"github.com/janekbaraniewski/paneboard/internal/providers/codex"
	"github.com/janekbaraniewski/paneboard/internal/screen"
	"github.com/janekbaraniewski/paneboard/internal/session"
	"github.com/janekbaraniewski/paneboard/internal/tokensrc"
)

func buildRegistry(cfg config.Config) *providers.Registry {
	codexProvider := codex.New()
	codexProvider.PaceThreshold = cfg.Usage.PaceThreshold

	claudeProvider := claude.New(credentials.NewResolver())
	claudeProvider.PaceThreshold = cfg.Usage.PaceThreshold

	return providers.NewRegistry(codexProvider, claudeProvider)
}

// buildCostFunc wires the pricing catalog and the per-provider transcript
// sources into one cost enrichment callback. Nil when pricing is disabled.
func buildCostFunc(cfg config.Config) dashboard.CostFunc {
	if !cfg.Pricing.Enabled {
		return nil
	}

	var store pricing.Store
	diskStore, err := pricing.OpenDiskStore(filepath.Join(config.ConfigDir(), "pricing.db"))
	if err != nil {
		log.Printf("event=pricing_cache_unavailable err=%v", err)
	} else {
		store = diskStore
	}

	catalog := pricing.NewCatalog(store)
	catalog.URL = cfg.Pricing.CatalogURL
	catalog.TTL = time.Duration(cfg.Pricing.TTLHours) * time.Hour
	catalog.StaleMaxAge = time.Duration(cfg.Pricing.StaleMaxAgeHours) * time.Hour

	engine := cost.NewEngine(catalog)
	sources := map[string]cost.UsageSource{
		"codex":  tokensrc.New(cfg.TokenSource.CodexRoot, tokensrc.ShapeSession),
		"claude": tokensrc.New(cfg.TokenSource.ClaudeRoot, tokensrc.ShapeChat),
	}

	return func(ctx context.Context, providerID string) *core.ProviderCostResult {
		src, ok := sources[providerID]
		if !ok {
			return nil
		}
		return engine.Compute(ctx, providerID, src)
	}
}

func buildDashboard(cfg config.Config) *dashboard.Dashboard {
	d := dashboard.New(buildRegistry(cfg), buildCostFunc(cfg))
	d.CoreTTL = time.Duration(cfg.Usage.SnapshotTTLSeconds) * time.Second
	d.CostTTL = d.CoreTTL
	d.Backoff = time.Duration(cfg.Usage.BackoffSeconds) * time.Second
	d.FetchTimeout = time.Duration(cfg.Usage.FetchTimeoutSeconds) * time.Second
	return d
}

func buildAdapter(cfg config.Config) mux.Adapter {
	if cfg.Mux == "tmux" {
		return mux.NewTmux()
	}
	return mux.NewWezterm()
}

func buildSession(cfg config.Config) (*session.Service, error) {
	var patterns []string
	if len(cfg.Guard.DangerPatterns) > 0 {
		patterns = cfg.Guard.DangerPatterns
	}
	dangerGuard, err := screen.NewDangerGuard(patterns)
	if err != nil {
		return nil, err
	}

	adapter := buildAdapter(cfg)
	return session.New(
		buildDashboard(cfg),
		gitstate.NewFetcher(),
		gitstate.NewCache(),
		screen.NewGateway(adapter, dangerGuard),
		adapter,
	), nil
}
