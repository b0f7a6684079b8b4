// Package pricing fetches and caches the LiteLLM model-price catalog and
// resolves per-model unit costs for the cost engine.
package pricing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
)

const (
	DefaultCatalogURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

	DefaultTTL         = 24 * time.Hour
	DefaultStaleMaxAge = 7 * 24 * time.Hour

	labelFresh = "LiteLLM"
	labelStale = "LiteLLM (stale-cache)"
)

// Price holds per-token unit costs. A row has a price when at least one
// field is present and finite. Cache-read/creation costs missing here fall
// back to the input unit at cost-calculation time, not at quote time.
type Price struct {
	Input         *float64
	Output        *float64
	CacheRead     *float64
	CacheCreation *float64
}

func (p Price) HasPrice() bool {
	for _, v := range []*float64{p.Input, p.Output, p.CacheRead, p.CacheCreation} {
		if v != nil && isFinite(*v) {
			return true
		}
	}
	return false
}

func isFinite(v float64) bool {
	return v == v && v < 1e308 && v > -1e308
}

// Quote is a successful model price resolution.
type Quote struct {
	ModelID         string
	ResolvedModelID string
	Strategy        string // "exact", "prefix", "alias", "fallback"
	Price           Price
	SourceLabel     string
	UpdatedAt       time.Time
	Stale           bool
}

// catalogRow is the LiteLLM document row shape; unknown fields are ignored.
type catalogRow struct {
	InputCostPerToken         *float64 `json:"input_cost_per_token"`
	OutputCostPerToken        *float64 `json:"output_cost_per_token"`
	CacheReadInputTokenCost   *float64 `json:"cache_read_input_token_cost"`
	CacheCreationInputTokCost *float64 `json:"cache_creation_input_token_cost"`
}

// snapshot is an immutable fetched catalog; replaced wholesale on refresh.
type snapshot struct {
	prices    map[string]Price
	fetchedAt time.Time
}

// Store persists the last good catalog across restarts.
type Store interface {
	Save(fetchedAt time.Time, payload []byte) error
	Load() (fetchedAt time.Time, payload []byte, err error)
}

type Catalog struct {
	URL         string
	Client      *http.Client
	TTL         time.Duration
	StaleMaxAge time.Duration
	Store       Store // optional
	Now         func() time.Time

	mu      sync.Mutex
	current *snapshot
	group   singleflight.Group
}

func NewCatalog(store Store) *Catalog {
	return &Catalog{
		URL:         DefaultCatalogURL,
		Client:      &http.Client{Timeout: 30 * time.Second},
		TTL:         DefaultTTL,
		StaleMaxAge: DefaultStaleMaxAge,
		Store:       store,
		Now:         time.Now,
	}
}

// Lookup resolves (providerID, modelID) to a Quote, fetching or refreshing
// the catalog as needed.
func (c *Catalog) Lookup(ctx context.Context, providerID, modelID string) (Quote, error) {
	snap, stale, err := c.get(ctx)
	if err != nil {
		return Quote{}, err
	}

	resolved, strategy, ok := resolve(snap.prices, providerID, modelID)
	if !ok {
		if _, present := snap.prices[modelID]; present {
			return Quote{}, apierr.Newf(apierr.CodeModelPriceMissing, "catalog entry %s has no unit costs", modelID)
		}
		return Quote{}, apierr.Newf(apierr.CodeModelMappingMissing, "no catalog entry for %s/%s", providerID, modelID)
	}
	price := snap.prices[resolved]

	label := labelFresh
	if stale {
		label = labelStale
	}
	return Quote{
		ModelID:         modelID,
		ResolvedModelID: resolved,
		Strategy:        strategy,
		Price:           price,
		SourceLabel:     label,
		UpdatedAt:       snap.fetchedAt,
		Stale:           stale,
	}, nil
}

// get returns the current catalog, serving from cache within TTL, refetching
// past TTL, and serving stale up to StaleMaxAge when the refetch fails.
func (c *Catalog) get(ctx context.Context) (*snapshot, bool, error) {
	now := c.Now()

	c.mu.Lock()
	if c.current == nil && c.Store != nil {
		c.loadFromStoreLocked()
	}
	cur := c.current
	c.mu.Unlock()

	if cur != nil && now.Sub(cur.fetchedAt) <= c.TTL {
		return cur, false, nil
	}

	// N concurrent expired callers share one outbound fetch.
	v, err, _ := c.group.Do("catalog", func() (any, error) {
		snap, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current = snap
		c.mu.Unlock()
		return snap, nil
	})
	if err == nil {
		return v.(*snapshot), false, nil
	}

	if cur != nil {
		if now.Sub(cur.fetchedAt) <= c.StaleMaxAge {
			return cur, true, nil
		}
		return nil, false, apierr.Wrap(apierr.CodePricingCacheTooOld, err, "cached pricing catalog is past its stale window")
	}
	return nil, false, apierr.Wrap(apierr.CodePricingFetchFailed, err, "fetching pricing catalog")
}

func (c *Catalog) fetch(ctx context.Context) (*snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.Newf(apierr.CodePricingFetchFailed, "catalog endpoint returned HTTP %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}

	snap, err := parseCatalog(payload, c.Now())
	if err != nil {
		return nil, err
	}
	if c.Store != nil {
		_ = c.Store.Save(snap.fetchedAt, payload)
	}
	return snap, nil
}

func (c *Catalog) loadFromStoreLocked() {
	fetchedAt, payload, err := c.Store.Load()
	if err != nil || len(payload) == 0 {
		return
	}
	if snap, err := parseCatalog(payload, fetchedAt); err == nil {
		c.current = snap
	}
}

func parseCatalog(payload []byte, fetchedAt time.Time) (*snapshot, error) {
	var raw map[string]catalogRow
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, apierr.Wrap(apierr.CodeUnsupportedResponse, err, "parsing pricing catalog")
	}
	prices := make(map[string]Price, len(raw))
	for id, row := range raw {
		prices[id] = Price{
			Input:         row.InputCostPerToken,
			Output:        row.OutputCostPerToken,
			CacheRead:     row.CacheReadInputTokenCost,
			CacheCreation: row.CacheCreationInputTokCost,
		}
	}
	return &snapshot{prices: prices, fetchedAt: fetchedAt}, nil
}
