package claude

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/core"
	"github.com/janekbaraniewski/paneboard/internal/credentials"
)

type fakeCreds struct {
	candidates []credentials.Candidate
	clientID   string
}

func (f *fakeCreds) Resolve(context.Context) []credentials.Candidate { return f.candidates }
func (f *fakeCreds) ClientID() string {
	if f.clientID != "" {
		return f.clientID
	}
	return credentials.DefaultClientID
}

const usageBody = `{
	"five_hour":   {"utilization": 42.5, "resets_at": "2026-02-22T14:30:00Z"},
	"seven_day":   {"utilization": 61.0, "resets_at": "2026-02-25T00:00:00Z"},
	"seven_day_sonnet": {"utilization": 12.0, "resets_at": "2026-02-25T00:00:00Z"}
}`

func newProvider(t *testing.T, creds CandidateSource) *Provider {
	t.Helper()
	p := New(creds)
	p.Now = func() time.Time { return time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestFetchFallsBackToNextCandidateOnInvalidToken(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		auth := r.Header.Get("Authorization")
		if r.Header.Get("anthropic-beta") != betaHeader {
			t.Errorf("missing beta header on call %d", calls)
		}
		if auth == "Bearer env-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if auth != "Bearer file-token" {
			t.Errorf("unexpected auth %q", auth)
		}
		w.Write([]byte(usageBody))
	}))
	defer srv.Close()

	creds := &fakeCreds{candidates: []credentials.Candidate{
		{AccessToken: "env-token", Source: "env"},
		{AccessToken: "file-token", Source: "file"},
	}}
	p := newProvider(t, creds)
	p.UsageURL = srv.URL

	snap, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 usage calls, got %d", calls)
	}
	if len(snap.Windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(snap.Windows))
	}
	if snap.Windows[0].ID != core.WindowSession || *snap.Windows[0].UtilizationPercent != 42.5 {
		t.Errorf("unexpected session window: %+v", snap.Windows[0])
	}
	if snap.Windows[1].ID != core.WindowWeekly {
		t.Errorf("expected weekly second, got %s", snap.Windows[1].ID)
	}
	if snap.Windows[0].Pace.Status == core.PaceUnknown {
		t.Error("expected derived pace on session window")
	}
}

func TestFetchRefreshesExpiredToken(t *testing.T) {
	var usageCalls, refreshCalls int

	usageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		usageCalls++
		switch r.Header.Get("Authorization") {
		case "Bearer stale-token":
			w.WriteHeader(http.StatusUnauthorized)
		case "Bearer refreshed-token":
			w.Write([]byte(usageBody))
		default:
			t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer usageSrv.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != credentials.DefaultClientID {
			t.Errorf("client_id = %q", got)
		}
		w.Write([]byte(`{"access_token":"refreshed-token"}`))
	}))
	defer tokenSrv.Close()

	creds := &fakeCreds{candidates: []credentials.Candidate{
		{AccessToken: "stale-token", RefreshToken: "refresh-1", Source: "keychain"},
	}}
	p := newProvider(t, creds)
	p.UsageURL = usageSrv.URL
	p.TokenURL = tokenSrv.URL

	snap, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usageCalls != 2 || refreshCalls != 1 {
		t.Errorf("expected 2 usage + 1 refresh calls, got %d + %d", usageCalls, refreshCalls)
	}
	if snap.Status != core.StatusOK {
		t.Errorf("expected ok status, got %s", snap.Status)
	}
}

func TestFetchServerErrorAfterRefreshStopsIteration(t *testing.T) {
	var usageCalls int
	usageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		usageCalls++
		switch r.Header.Get("Authorization") {
		case "Bearer stale-token":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer usageSrv.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"refreshed-token"}`))
	}))
	defer tokenSrv.Close()

	creds := &fakeCreds{candidates: []credentials.Candidate{
		{AccessToken: "stale-token", RefreshToken: "refresh-1", Source: "keychain"},
		{AccessToken: "unused-token", Source: "file"},
	}}
	p := newProvider(t, creds)
	p.UsageURL = usageSrv.URL
	p.TokenURL = tokenSrv.URL

	_, err := p.Fetch(context.Background())
	if apierr.CodeOf(err) != apierr.CodeUpstreamUnavailable {
		t.Errorf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
	if usageCalls != 2 {
		t.Errorf("5xx on the refreshed retry should not advance candidates, got %d calls", usageCalls)
	}
}

func TestFetchNoCredentials(t *testing.T) {
	p := newProvider(t, &fakeCreds{})
	_, err := p.Fetch(context.Background())
	if apierr.CodeOf(err) != apierr.CodeTokenNotFound {
		t.Errorf("expected TOKEN_NOT_FOUND, got %v", err)
	}
}

func TestFetchServerErrorStopsIteration(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	creds := &fakeCreds{candidates: []credentials.Candidate{
		{AccessToken: "tok-1"},
		{AccessToken: "tok-2"},
	}}
	p := newProvider(t, creds)
	p.UsageURL = srv.URL

	_, err := p.Fetch(context.Background())
	if apierr.CodeOf(err) != apierr.CodeUpstreamUnavailable {
		t.Errorf("expected UPSTREAM_UNAVAILABLE, got %v", err)
	}
	if calls != 1 {
		t.Errorf("5xx should not advance candidates, got %d calls", calls)
	}
}

func TestFetchAllCandidatesInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	creds := &fakeCreds{candidates: []credentials.Candidate{
		{AccessToken: "tok-1"},
		{AccessToken: "tok-2"},
	}}
	p := newProvider(t, creds)
	p.UsageURL = srv.URL

	_, err := p.Fetch(context.Background())
	if apierr.CodeOf(err) != apierr.CodeTokenInvalid {
		t.Errorf("expected TOKEN_INVALID when every candidate fails auth, got %v", err)
	}
}

func TestFetchMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	p := newProvider(t, &fakeCreds{candidates: []credentials.Candidate{{AccessToken: "tok"}}})
	p.UsageURL = srv.URL

	_, err := p.Fetch(context.Background())
	if apierr.CodeOf(err) != apierr.CodeUnsupportedResponse {
		t.Errorf("expected UNSUPPORTED_RESPONSE, got %v", err)
	}
}

func TestFetchPartialWindows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"five_hour":{"utilization":10.0,"resets_at":"2026-02-22T14:00:00Z"}}`))
	}))
	defer srv.Close()

	p := newProvider(t, &fakeCreds{candidates: []credentials.Candidate{{AccessToken: "tok"}}})
	p.UsageURL = srv.URL

	snap, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Windows) != 1 || snap.Windows[0].ID != core.WindowSession {
		t.Errorf("expected one session window, got %+v", snap.Windows)
	}
}
