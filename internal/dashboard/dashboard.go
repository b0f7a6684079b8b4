// Package dashboard caches provider snapshots and serves them to clients.
// Each provider has one cached snapshot plus an independently aged cost
// enrichment; both are replaced wholesale, never mutated in place.
package dashboard

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/core"
	"github.com/janekbaraniewski/paneboard/internal/providers"
)

const (
	// DefaultCoreTTL ages the rate-limit snapshot.
	DefaultCoreTTL = 180 * time.Second
	// DefaultCostTTL ages the cost enrichment.
	DefaultCostTTL = 180 * time.Second
	// DefaultBackoff is how long a failing provider is not re-fetched.
	DefaultBackoff = 30 * time.Second
	// DefaultFetchTimeout bounds a single upstream fetch.
	DefaultFetchTimeout = 5 * time.Second
)

// CostFunc computes the cost enrichment for one provider. It never fails:
// errors are encoded inside the result. Nil disables cost for that call.
type CostFunc func(ctx context.Context, providerID string) *core.ProviderCostResult

type entry struct {
	snapshot     core.ProviderSnapshot
	hasValue     bool
	expiresAt    time.Time
	backoffUntil time.Time
	failureCount int

	cost        *core.ProviderCostResult
	costExpires time.Time
}

// Dashboard owns the per-provider snapshot cache. A fetch failure after a
// prior success degrades the cached snapshot instead of discarding it; only
// a failure with nothing cached yields an error snapshot.
type Dashboard struct {
	Registry     *providers.Registry
	Cost         CostFunc
	CoreTTL      time.Duration
	CostTTL      time.Duration
	Backoff      time.Duration
	FetchTimeout time.Duration
	Now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
}

func New(registry *providers.Registry, cost CostFunc) *Dashboard {
	return &Dashboard{
		Registry:     registry,
		Cost:         cost,
		CoreTTL:      DefaultCoreTTL,
		CostTTL:      DefaultCostTTL,
		Backoff:      DefaultBackoff,
		FetchTimeout: DefaultFetchTimeout,
		Now:          time.Now,
		entries:      map[string]*entry{},
	}
}

// Options control a single snapshot request.
type Options struct {
	ForceRefresh   bool
	IncludeWindows bool
}

// GetDashboard serves one snapshot per registered provider, in registration
// order. Providers are fetched concurrently.
func (d *Dashboard) GetDashboard(ctx context.Context, opts Options) []core.ProviderSnapshot {
	ids := d.Registry.IDs()
	out := make([]core.ProviderSnapshot, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			out[i] = d.GetProviderSnapshot(ctx, id, opts)
		}(i, id)
	}
	wg.Wait()
	return out
}

// GetProviderSnapshot serves the cached snapshot for one provider, fetching
// when the cache is expired and the provider is not backing off. Unknown
// provider ids yield an error snapshot rather than a Go error.
func (d *Dashboard) GetProviderSnapshot(ctx context.Context, providerID string, opts Options) core.ProviderSnapshot {
	provider, ok := d.Registry.Get(providerID)
	if !ok {
		return d.errorSnapshot(providerID, providerID,
			apierr.Newf(apierr.CodeInternal, "unknown provider %q", providerID))
	}

	now := d.Now()
	d.mu.Lock()
	e, ok := d.entries[providerID]
	if !ok {
		e = &entry{}
		d.entries[providerID] = e
	}

	fresh := e.hasValue && now.Before(e.expiresAt)
	backingOff := now.Before(e.backoffUntil)
	d.mu.Unlock()

	switch {
	case fresh && !opts.ForceRefresh:
		// Serve as-is; only the cost enrichment may need refreshing.
	case backingOff && !opts.ForceRefresh:
		// Backpressure: callers inside the backoff window get the cached
		// value without enqueuing another fetch.
		return d.serveDegraded(providerID, now, opts)
	default:
		d.fetch(ctx, provider)
		now = d.Now()
		d.mu.Lock()
		e = d.entries[providerID]
		degraded := now.Before(e.backoffUntil) && e.snapshot.Status != core.StatusError
		d.mu.Unlock()
		if degraded {
			return d.serveDegraded(providerID, now, opts)
		}
	}

	return d.serve(ctx, providerID, opts)
}

// fetch runs at most one upstream call per provider at a time; concurrent
// callers share the result.
func (d *Dashboard) fetch(ctx context.Context, provider providers.UsageProvider) {
	id := provider.ID()
	d.group.Do(id, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, d.FetchTimeout)
		defer cancel()

		snapshot, err := provider.Fetch(fetchCtx)
		now := d.Now()

		d.mu.Lock()
		defer d.mu.Unlock()
		e := d.entries[id]

		if err != nil {
			e.failureCount++
			e.backoffUntil = now.Add(d.Backoff)
			if !e.hasValue {
				// Nothing to degrade to: surface an error snapshot that
				// expires with the backoff so the next caller retries.
				e.snapshot = d.errorSnapshot(id, provider.Label(), err)
				e.hasValue = true
				e.expiresAt = e.backoffUntil
			}
			log.Printf("event=provider_fetch_failed provider=%s failures=%d err=%v", id, e.failureCount, err)
			return nil, nil
		}

		if snapshot.Status == "" {
			snapshot.Status = core.StatusOK
		}
		if snapshot.Issues == nil {
			snapshot.Issues = []apierr.Issue{}
		}
		snapshot.FetchedAt = now
		snapshot.StaleAt = now.Add(d.CoreTTL)

		e.snapshot = snapshot
		e.hasValue = true
		e.expiresAt = snapshot.StaleAt
		e.backoffUntil = time.Time{}
		e.failureCount = 0
		return nil, nil
	})
}

// serve copies the cached snapshot and attaches the cost enrichment.
func (d *Dashboard) serve(ctx context.Context, providerID string, opts Options) core.ProviderSnapshot {
	cost := d.costFor(ctx, providerID, opts)

	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entries[providerID]
	snapshot := cloneSnapshot(e.snapshot)
	if cost != nil {
		snapshot.Cost = cost
	} else {
		snapshot.Cost = e.cost
	}
	if !opts.IncludeWindows {
		snapshot.Windows = nil
	}
	return snapshot
}

// serveDegraded serves the cached snapshot with a warning attached. The
// cached entry itself is left untouched.
func (d *Dashboard) serveDegraded(providerID string, now time.Time, opts Options) core.ProviderSnapshot {
	d.mu.Lock()
	e := d.entries[providerID]
	snapshot := cloneSnapshot(e.snapshot)
	retryIn := e.backoffUntil.Sub(now).Round(time.Second)
	cost := e.cost
	d.mu.Unlock()

	if snapshot.Status != core.StatusError {
		snapshot.Status = core.StatusDegraded
	}
	snapshot.Issues = apierr.AppendIssue(snapshot.Issues, apierr.Issue{
		Code:     apierr.CodeUpstreamUnavailable,
		Severity: apierr.SeverityWarning,
		Message:  fmt.Sprintf("serving cached data; retrying in %s", retryIn),
	})
	snapshot.Cost = cost
	if !opts.IncludeWindows {
		snapshot.Windows = nil
	}
	return snapshot
}

// costFor computes (or reuses) the cost enrichment for one provider.
func (d *Dashboard) costFor(ctx context.Context, providerID string, opts Options) *core.ProviderCostResult {
	if d.Cost == nil {
		return nil
	}

	now := d.Now()
	d.mu.Lock()
	e := d.entries[providerID]
	cached := e.cost
	expired := cached == nil || !now.Before(e.costExpires)
	d.mu.Unlock()

	if !expired && !opts.ForceRefresh {
		return cached
	}

	result, _, _ := d.group.Do("cost:"+providerID, func() (any, error) {
		costCtx, cancel := context.WithTimeout(ctx, d.FetchTimeout)
		defer cancel()
		computed := d.Cost(costCtx, providerID)

		d.mu.Lock()
		e := d.entries[providerID]
		e.cost = computed
		e.costExpires = d.Now().Add(d.CostTTL)
		d.mu.Unlock()
		return computed, nil
	})
	if result == nil {
		return nil
	}
	return result.(*core.ProviderCostResult)
}

// ForceRefresh drops the TTL and backoff for one provider (or all, with an
// empty id) so the next request fetches.
func (d *Dashboard) ForceRefresh(providerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, e := range d.entries {
		if providerID != "" && id != providerID {
			continue
		}
		e.expiresAt = time.Time{}
		e.backoffUntil = time.Time{}
		e.costExpires = time.Time{}
	}
}

func (d *Dashboard) errorSnapshot(providerID, label string, err error) core.ProviderSnapshot {
	normalized := apierr.Normalize(err)
	return core.ProviderSnapshot{
		ProviderID:    providerID,
		ProviderLabel: label,
		Windows:       []core.UsageMetricWindow{},
		Status:        core.StatusError,
		Issues:        []apierr.Issue{normalized.Issue()},
		FetchedAt:     d.Now(),
	}
}

// cloneSnapshot copies the slices that callers might otherwise share with
// the cache.
func cloneSnapshot(s core.ProviderSnapshot) core.ProviderSnapshot {
	out := s
	out.Windows = append([]core.UsageMetricWindow(nil), s.Windows...)
	out.Issues = append([]apierr.Issue(nil), s.Issues...)
	return out
}
