// Package cost turns per-model token usage into USD cost estimates using
// the pricing catalog.
package cost

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/core"
	"github.com/janekbaraniewski/paneboard/internal/pricing"
)

// UsageSource yields token aggregates, typically a tokensrc.Source.
type UsageSource interface {
	Usage() ([]core.ModelUsage, time.Time, error)
}

// PriceSource resolves unit costs, typically a pricing.Catalog.
type PriceSource interface {
	Lookup(ctx context.Context, providerID, modelID string) (pricing.Quote, error)
}

type Engine struct {
	Pricing PriceSource
	Enabled bool
}

func NewEngine(prices PriceSource) *Engine {
	return &Engine{Pricing: prices, Enabled: true}
}

// Compute never returns an error: failures are encoded in the result's
// source/reason fields so the dashboard can render them.
func (e *Engine) Compute(ctx context.Context, providerID string, src UsageSource) *core.ProviderCostResult {
	if !e.Enabled || e.Pricing == nil {
		return unavailable(apierr.New(apierr.CodePricingNotConfigured, "cost pricing is disabled"))
	}

	usage, fetchedAt, err := src.Usage()
	if err != nil {
		return unavailable(err)
	}
	if len(usage) == 0 {
		return unavailable(apierr.New(apierr.CodeCostSourceUnavailable, "no token usage recorded"))
	}

	type pricedModel struct {
		usage core.ModelUsage
		quote pricing.Quote
	}
	var priced []pricedModel
	var lastFailure error
	strategies := map[string]bool{}

	for _, m := range usage {
		quote, err := e.Pricing.Lookup(ctx, providerID, m.ModelID)
		if err != nil {
			lastFailure = err
			continue
		}
		priced = append(priced, pricedModel{usage: m, quote: quote})
		strategies[quote.Strategy] = true
	}

	if len(priced) == 0 {
		if lastFailure == nil {
			lastFailure = apierr.New(apierr.CodeModelPriceMissing, "no model could be priced")
		}
		return unavailable(lastFailure)
	}

	result := &core.ProviderCostResult{}

	var todayUSD, last30USD float64
	var todayTokens, last30Tokens int64
	var labels []string
	updatedAt := time.Time{}

	type dailyAgg struct {
		models map[string]bool
		tokens int64
		usd    float64
	}
	daily := map[string]*dailyAgg{}

	for _, pm := range priced {
		todayTokens += pm.usage.Today.TotalTokens
		last30Tokens += pm.usage.Last30Days.TotalTokens
		todayUSD += counterCost(pm.usage.Today, pm.quote.Price)
		last30USD += counterCost(pm.usage.Last30Days, pm.quote.Price)
		for _, day := range pm.usage.Daily {
			agg := daily[day.Date]
			if agg == nil {
				agg = &dailyAgg{models: map[string]bool{}}
				daily[day.Date] = agg
			}
			agg.models[pm.usage.ModelID] = true
			agg.tokens += day.Counters.TotalTokens
			agg.usd += counterCost(day.Counters, pm.quote.Price)
		}

		usd := round6(counterCost(pm.usage.Last30Days, pm.quote.Price))
		result.ModelBreakdown = append(result.ModelBreakdown, core.ModelCostBreakdown{
			ModelID:         pm.usage.ModelID,
			ResolvedModelID: pm.quote.ResolvedModelID,
			Strategy:        pm.quote.Strategy,
			USD:             &usd,
			Tokens:          pm.usage.Last30Days.TotalTokens,
		})

		if !containsLabel(labels, pm.quote.SourceLabel) {
			labels = append(labels, pm.quote.SourceLabel)
		}
		if pm.quote.UpdatedAt.After(updatedAt) {
			updatedAt = pm.quote.UpdatedAt
		}
	}

	dates := make([]string, 0, len(daily))
	for date := range daily {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	for _, date := range dates {
		agg := daily[date]
		models := make([]string, 0, len(agg.models))
		for model := range agg.models {
			models = append(models, model)
		}
		sort.Strings(models)
		usd := round6(agg.usd)
		result.DailyBreakdown = append(result.DailyBreakdown, core.DailyCostRow{
			Date: date, ModelIDs: models, TotalTokens: agg.tokens, USD: &usd,
		})
	}

	result.Today = core.CostWindow{USD: core.FloatPtr(round6(todayUSD)), Tokens: core.Int64Ptr(todayTokens)}
	result.Last30Days = core.CostWindow{USD: core.FloatPtr(round6(last30USD)), Tokens: core.Int64Ptr(last30Tokens)}
	result.SourceLabel = strings.Join(labels, ", ")
	if updatedAt.IsZero() {
		updatedAt = fetchedAt
	}
	result.UpdatedAt = &updatedAt

	switch {
	case lastFailure != nil:
		result.Source = core.CostEstimated
		result.Confidence = core.ConfidenceLow
		result.ReasonCode = apierr.CodeOf(lastFailure)
		result.ReasonMessage = lastFailure.Error()
	case onlyExact(strategies):
		result.Source = core.CostActual
		result.Confidence = core.ConfidenceHigh
	default:
		// Stale catalogs surface through the source label, not here.
		result.Source = core.CostEstimated
		result.Confidence = core.ConfidenceMedium
	}

	return result
}

func unavailable(err error) *core.ProviderCostResult {
	e := apierr.Normalize(err)
	return &core.ProviderCostResult{
		Source:        core.CostUnavailable,
		Confidence:    core.ConfidenceNone,
		ReasonCode:    e.Code,
		ReasonMessage: e.Message,
	}
}

// counterCost applies unit costs to one counter set. Missing cache unit
// costs fall back to the input unit.
func counterCost(c core.TokenCounters, p pricing.Price) float64 {
	input := unit(p.Input)
	cost := float64(c.InputTokens)*input + float64(c.OutputTokens)*unit(p.Output)
	cost += float64(c.CacheReadInputTokens) * unitOr(p.CacheRead, input)
	cost += float64(c.CacheCreationInputTokens) * unitOr(p.CacheCreation, input)
	return cost
}

func unit(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func unitOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func onlyExact(strategies map[string]bool) bool {
	for s := range strategies {
		if s != "exact" {
			return false
		}
	}
	return len(strategies) > 0
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
