// Package claude reads rate-limit utilization from the Claude OAuth usage
// endpoint, falling back through the credential candidate list and
// refreshing expired tokens once per candidate.
package claude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/core"
	"github.com/janekbaraniewski/paneboard/internal/credentials"
)

const (
	DefaultUsageURL = "https://api.anthropic.com/api/oauth/usage"
	DefaultTokenURL = "https://platform.claude.com/v1/oauth/token"

	betaHeader = "oauth-2025-04-20"

	sessionWindowMinutes = 300
	weeklyWindowMinutes  = 10080
)

// CandidateSource is implemented by credentials.Resolver.
type CandidateSource interface {
	Resolve(ctx context.Context) []credentials.Candidate
	ClientID() string
}

type Provider struct {
	UsageURL      string
	TokenURL      string
	Client        *http.Client
	Creds         CandidateSource
	PaceThreshold float64
	Now           func() time.Time
}

func New(creds CandidateSource) *Provider {
	return &Provider{
		UsageURL:      DefaultUsageURL,
		TokenURL:      DefaultTokenURL,
		Client:        &http.Client{Timeout: 5 * time.Second},
		Creds:         creds,
		PaceThreshold: core.DefaultPaceThreshold,
		Now:           time.Now,
	}
}

func (p *Provider) ID() string    { return "claude" }
func (p *Provider) Label() string { return "Claude" }

type usageResponse struct {
	FiveHour       *usageBucket `json:"five_hour"`
	SevenDay       *usageBucket `json:"seven_day"`
	SevenDaySonnet *usageBucket `json:"seven_day_sonnet"`
}

type usageBucket struct {
	Utilization *float64 `json:"utilization"`
	ResetsAt    string   `json:"resets_at"`
}

// Fetch iterates credential candidates. Only TOKEN_INVALID advances to the
// next candidate; transport and shape errors surface immediately. When a
// candidate carries a refresh token, an auth failure triggers one OAuth
// refresh and one retry with the new access token.
func (p *Provider) Fetch(ctx context.Context) (core.ProviderSnapshot, error) {
	cands := p.Creds.Resolve(ctx)
	if len(cands) == 0 {
		return core.ProviderSnapshot{}, apierr.New(apierr.CodeTokenNotFound, "no Claude credential found in env, keychain, or credentials file")
	}

	var lastInvalid error
	for _, cand := range cands {
		usage, err := p.fetchUsage(ctx, cand.AccessToken)
		if err == nil {
			return p.buildSnapshot(usage), nil
		}
		if apierr.CodeOf(err) != apierr.CodeTokenInvalid {
			return core.ProviderSnapshot{}, err
		}

		if cand.RefreshToken != "" {
			refreshed, refreshErr := p.refreshAccessToken(ctx, cand.RefreshToken)
			if refreshErr == nil {
				usage, err = p.fetchUsage(ctx, refreshed)
				if err == nil {
					return p.buildSnapshot(usage), nil
				}
				if apierr.CodeOf(err) != apierr.CodeTokenInvalid {
					return core.ProviderSnapshot{}, err
				}
			} else if apierr.CodeOf(refreshErr) != apierr.CodeTokenInvalid {
				return core.ProviderSnapshot{}, refreshErr
			}
		}
		lastInvalid = err
	}
	return core.ProviderSnapshot{}, lastInvalid
}

func (p *Provider) fetchUsage(ctx context.Context, accessToken string) (*usageResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UsageURL, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "building usage request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("anthropic-beta", betaHeader)
	req.Header.Set("Accept", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeUpstreamUnavailable, err, "usage request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apierr.Newf(apierr.CodeTokenInvalid, "usage endpoint returned HTTP %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, apierr.Newf(apierr.CodeUpstreamUnavailable, "usage endpoint returned HTTP %d", resp.StatusCode)
	}

	var usage usageResponse
	if err := json.Unmarshal(body, &usage); err != nil {
		return nil, apierr.Wrap(apierr.CodeUnsupportedResponse, err, "parsing usage response")
	}
	return &usage, nil
}

func (p *Provider) refreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.Creds.ClientID())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", apierr.Wrap(apierr.CodeInternal, err, "building refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeUpstreamUnavailable, err, "refresh request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return "", apierr.Newf(apierr.CodeTokenInvalid, "token refresh returned HTTP %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", apierr.Newf(apierr.CodeUpstreamUnavailable, "token refresh returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.AccessToken) == "" {
		return "", apierr.New(apierr.CodeUnsupportedResponse, "token refresh response missing access_token")
	}
	return payload.AccessToken, nil
}

func (p *Provider) buildSnapshot(usage *usageResponse) core.ProviderSnapshot {
	now := p.Now()
	snap := core.ProviderSnapshot{
		ProviderID:    p.ID(),
		ProviderLabel: p.Label(),
		Capabilities:  core.Capabilities{Windows: true, Cost: true},
		Status:        core.StatusOK,
		FetchedAt:     now,
	}

	appendWindow := func(id core.WindowID, title string, minutes int, bucket *usageBucket) {
		if bucket == nil {
			return
		}
		w := core.UsageMetricWindow{
			ID:                 id,
			Title:              title,
			UtilizationPercent: bucket.Utilization,
		}
		durationMs := int64(minutes) * 60 * 1000
		w.WindowDurationMs = core.Int64Ptr(durationMs)

		var reset *time.Time
		if t, err := time.Parse(time.RFC3339, bucket.ResetsAt); err == nil {
			reset = &t
			w.ResetsAt = &t
		}
		w.Pace = core.DerivePace(bucket.Utilization, time.Duration(minutes)*time.Minute, reset, now, p.PaceThreshold)
		snap.Windows = append(snap.Windows, w)
	}

	appendWindow(core.WindowSession, "Session (5h)", sessionWindowMinutes, usage.FiveHour)
	appendWindow(core.WindowWeekly, "Weekly (7d)", weeklyWindowMinutes, usage.SevenDay)
	appendWindow(core.WindowModel, "Weekly Sonnet (7d)", weeklyWindowMinutes, usage.SevenDaySonnet)

	if len(snap.Windows) == 0 {
		snap.Issues = apierr.AppendIssue(snap.Issues, apierr.Issue{
			Code:     apierr.CodeUnsupportedResponse,
			Severity: apierr.SeverityWarning,
			Message:  "usage response contained no windows",
		})
	}
	return snap
}
