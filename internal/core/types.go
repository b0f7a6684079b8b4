package core

import (
	"time"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
)

// TokenCounters is the additive unit of token accounting. TotalTokens is
// authoritative when the upstream supplied it; otherwise it is reconstructed
// as input + output.
type TokenCounters struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
	TotalTokens              int64 `json:"totalTokens"`
}

func (c TokenCounters) Add(other TokenCounters) TokenCounters {
	return TokenCounters{
		InputTokens:              c.InputTokens + other.InputTokens,
		OutputTokens:             c.OutputTokens + other.OutputTokens,
		CacheReadInputTokens:     c.CacheReadInputTokens + other.CacheReadInputTokens,
		CacheCreationInputTokens: c.CacheCreationInputTokens + other.CacheCreationInputTokens,
		TotalTokens:              c.TotalTokens + other.TotalTokens,
	}
}

func (c TokenCounters) IsZero() bool {
	return c.InputTokens == 0 && c.OutputTokens == 0 &&
		c.CacheReadInputTokens == 0 && c.CacheCreationInputTokens == 0 &&
		c.TotalTokens == 0
}

// WithTotal returns c with TotalTokens reconstructed when absent.
func (c TokenCounters) WithTotal() TokenCounters {
	if c.TotalTokens == 0 {
		c.TotalTokens = c.InputTokens + c.OutputTokens
	}
	return c
}

type DailyUsage struct {
	Date     string        `json:"date"` // YYYY-MM-DD, UTC
	Counters TokenCounters `json:"counters"`
}

// ModelUsage aggregates transcript counters for one model. Daily entries are
// sorted ascending by date; today is componentwise <= last30days.
type ModelUsage struct {
	ModelID    string        `json:"modelId"`
	Today      TokenCounters `json:"today"`
	Last30Days TokenCounters `json:"last30days"`
	Daily      []DailyUsage  `json:"daily"`
}

type WindowID string

const (
	WindowSession WindowID = "session"
	WindowWeekly  WindowID = "weekly"
	WindowModel   WindowID = "model"
)

type PaceStatus string

const (
	PaceMargin   PaceStatus = "margin"
	PaceBalanced PaceStatus = "balanced"
	PaceOver     PaceStatus = "over"
	PaceUnknown  PaceStatus = "unknown"
)

type Pace struct {
	ElapsedPercent                 *float64   `json:"elapsedPercent,omitempty"`
	ProjectedEndUtilizationPercent *float64   `json:"projectedEndUtilizationPercent,omitempty"`
	PaceMarginPercent              *float64   `json:"paceMarginPercent,omitempty"`
	Status                         PaceStatus `json:"status"`
}

type UsageMetricWindow struct {
	ID                 WindowID   `json:"id"`
	Title              string     `json:"title"`
	UtilizationPercent *float64   `json:"utilizationPercent,omitempty"`
	WindowDurationMs   *int64     `json:"windowDurationMs,omitempty"`
	ResetsAt           *time.Time `json:"resetsAt,omitempty"`
	Pace               Pace       `json:"pace"`
}

type SnapshotStatus string

const (
	StatusOK       SnapshotStatus = "ok"
	StatusDegraded SnapshotStatus = "degraded"
	StatusError    SnapshotStatus = "error"
)

type BillingInfo struct {
	PlanType      string `json:"planType,omitempty"`
	HasCredits    bool   `json:"hasCredits,omitempty"`
	Unlimited     bool   `json:"unlimited,omitempty"`
	CreditBalance string `json:"creditBalance,omitempty"`
}

type Capabilities struct {
	Windows bool `json:"windows"`
	Cost    bool `json:"cost"`
}

// ProviderSnapshot is the immutable value the dashboard hands to callers.
// It is replaced wholesale on refresh, never mutated.
type ProviderSnapshot struct {
	ProviderID    string              `json:"providerId"`
	ProviderLabel string              `json:"providerLabel"`
	AccountLabel  string              `json:"accountLabel,omitempty"`
	PlanLabel     string              `json:"planLabel,omitempty"`
	Windows       []UsageMetricWindow `json:"windows"`
	Billing       BillingInfo         `json:"billing"`
	Capabilities  Capabilities        `json:"capabilities"`
	Cost          *ProviderCostResult `json:"cost,omitempty"`
	Status        SnapshotStatus      `json:"status"`
	Issues        []apierr.Issue      `json:"issues"`
	FetchedAt     time.Time           `json:"fetchedAt"`
	StaleAt       time.Time           `json:"staleAt"`
}

type CostSource string

const (
	CostActual      CostSource = "actual"
	CostEstimated   CostSource = "estimated"
	CostUnavailable CostSource = "unavailable"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "" // serialized as absent
)

type CostWindow struct {
	USD    *float64 `json:"usd,omitempty"`
	Tokens *int64   `json:"tokens,omitempty"`
}

type ModelCostBreakdown struct {
	ModelID         string   `json:"modelId"`
	ResolvedModelID string   `json:"resolvedModelId,omitempty"`
	Strategy        string   `json:"strategy,omitempty"`
	USD             *float64 `json:"usd,omitempty"` // rounded to six decimals
	Tokens          int64    `json:"tokens"`
}

type DailyCostRow struct {
	Date        string   `json:"date"`
	ModelIDs    []string `json:"modelIds"`
	TotalTokens int64    `json:"totalTokens"`
	USD         *float64 `json:"usd,omitempty"`
}

type ProviderCostResult struct {
	Today          CostWindow           `json:"today"`
	Last30Days     CostWindow           `json:"last30days"`
	Source         CostSource           `json:"source"`
	Confidence     Confidence           `json:"confidence,omitempty"`
	SourceLabel    string               `json:"sourceLabel,omitempty"`
	UpdatedAt      *time.Time           `json:"updatedAt,omitempty"`
	ReasonCode     apierr.Code          `json:"reasonCode,omitempty"`
	ReasonMessage  string               `json:"reasonMessage,omitempty"`
	ModelBreakdown []ModelCostBreakdown `json:"modelBreakdown"`
	DailyBreakdown []DailyCostRow       `json:"dailyBreakdown"`
}

func FloatPtr(v float64) *float64 { return &v }

func Int64Ptr(v int64) *int64 { return &v }
