package daemon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/core"
	"github.com/janekbaraniewski/paneboard/internal/dashboard"
	"github.com/janekbaraniewski/paneboard/internal/execx"
	"github.com/janekbaraniewski/paneboard/internal/gitstate"
	"github.com/janekbaraniewski/paneboard/internal/providers"
	"github.com/janekbaraniewski/paneboard/internal/sched"
	"github.com/janekbaraniewski/paneboard/internal/screen"
	"github.com/janekbaraniewski/paneboard/internal/session"
)

type stubProvider struct{}

func (stubProvider) ID() string    { return "codex" }
func (stubProvider) Label() string { return "Codex" }
func (stubProvider) Fetch(context.Context) (core.ProviderSnapshot, error) {
	return core.ProviderSnapshot{
		ProviderID:    "codex",
		ProviderLabel: "Codex",
		Windows:       []core.UsageMetricWindow{{ID: core.WindowSession, Title: "Session"}},
		Status:        core.StatusOK,
	}, nil
}

type stubAdapter struct{}

func (stubAdapter) Name() string                                        { return "stub" }
func (stubAdapter) SendText(context.Context, string, string) error      { return nil }
func (stubAdapter) SendRaw(context.Context, string, string) error       { return nil }
func (stubAdapter) ActivatePane(context.Context, string) error          { return nil }
func (stubAdapter) KillPane(context.Context, string) error              { return nil }
func (stubAdapter) CapturePane(context.Context, string) (string, error) { return "hello\n", nil }
func (stubAdapter) CapturePaneStyled(context.Context, string) (string, error) {
	return "\x1b[1mhello\x1b[0m\n", nil
}

func fakeGitRun(_ context.Context, _ string, args []string, _ execx.Options) (execx.Result, error) {
	switch strings.Join(args, " ") {
	case "rev-parse --show-toplevel":
		return execx.Result{Stdout: []byte("/repo\n")}, nil
	case "rev-parse --short HEAD":
		return execx.Result{Stdout: []byte("abc1234\n")}, nil
	case "status --porcelain":
		return execx.Result{Stdout: []byte(" M a.go\n")}, nil
	}
	return execx.Result{}, nil
}

func newTestDaemon(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	guard, err := screen.NewDangerGuard(nil)
	if err != nil {
		t.Fatal(err)
	}
	adapter := stubAdapter{}
	svc := session.New(
		dashboard.New(providers.NewRegistry(stubProvider{}), nil),
		&gitstate.Fetcher{Run: fakeGitRun},
		gitstate.NewCache(),
		screen.NewGateway(adapter, guard),
		adapter,
	)
	server := New(Config{}, svc)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	_, ts := newTestDaemon(t)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]string
	if status := getJSON(t, ts.URL+"/healthz", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["status"] != "ok" || body["api_version"] != APIVersion {
		t.Errorf("unexpected health payload: %v", body)
	}
}

func TestDashboardEndpoint(t *testing.T) {
	ts := newTestServer(t)
	var body struct {
		Providers []core.ProviderSnapshot `json:"providers"`
	}
	if status := getJSON(t, ts.URL+"/v1/dashboard", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(body.Providers) != 1 || body.Providers[0].ProviderID != "codex" {
		t.Errorf("unexpected dashboard: %+v", body.Providers)
	}
	if len(body.Providers[0].Windows) != 1 {
		t.Errorf("windows included by default, got %+v", body.Providers[0].Windows)
	}
}

func TestDiffSummaryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	var body gitstate.DiffSummary
	if status := getJSON(t, ts.URL+"/v1/panes/1/diff?worktree=/repo", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(body.Files) != 1 || body.Files[0].Path != "a.go" {
		t.Errorf("unexpected summary: %+v", body)
	}
}

func TestScreenEndpoint(t *testing.T) {
	ts := newTestServer(t)
	var body screen.Response
	if status := getJSON(t, ts.URL+"/v1/panes/1/screen", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !body.Full || len(body.Lines) != 1 || body.Lines[0] != "hello" {
		t.Errorf("unexpected screen response: %+v", body)
	}
}

func TestScreenEndpointImageMode(t *testing.T) {
	ts := newTestServer(t)
	var body screen.Response
	if status := getJSON(t, ts.URL+"/v1/panes/1/screen?mode=image", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !body.Full || body.Frame == "" {
		t.Fatalf("expected full frame, got %+v", body)
	}
	decoded, err := base64.StdEncoding.DecodeString(body.Frame)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != "\x1b[1mhello\x1b[0m\n" {
		t.Errorf("frame must carry the styled capture, got %q", decoded)
	}
}

func TestScreenEndpointUnknownMode(t *testing.T) {
	ts := newTestServer(t)
	if status := getJSON(t, ts.URL+"/v1/panes/1/screen?mode=video", nil); status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
}

func TestClientStateTogglesPollers(t *testing.T) {
	server, ts := newTestDaemon(t)
	poller := sched.NewPoller(time.Hour, func(context.Context) {})
	server.Pollers = []*sched.Poller{poller}

	post := func(payload string) {
		t.Helper()
		resp, err := http.Post(ts.URL+"/v1/client-state", "application/json", strings.NewReader(payload))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
	}

	post(`{"visible":false}`)
	if poller.Active() {
		t.Error("hidden client must pause polling")
	}
	post(`{"visible":true}`)
	if !poller.Active() {
		t.Error("visible client must resume polling")
	}
	post(`{"connected":false}`)
	if poller.Active() {
		t.Error("disconnected client must pause polling")
	}
}

func TestSendTextBlockedIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/panes/1/send-text", "application/json",
		strings.NewReader(`{"text":"rm -rf /","pressEnter":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "DANGEROUS_COMMAND" {
		t.Errorf("unexpected error payload: %v", body)
	}
}

func TestSendTextMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/panes/1/send-text", "application/json", strings.NewReader("{oops"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestEnsureSocketPathAvailable(t *testing.T) {
	dir := t.TempDir()

	if err := EnsureSocketPathAvailable(filepath.Join(dir, "missing.sock")); err != nil {
		t.Errorf("missing path must be available: %v", err)
	}

	regular := filepath.Join(dir, "not-a-socket")
	if err := os.WriteFile(regular, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := EnsureSocketPathAvailable(regular); err == nil {
		t.Error("regular file must be rejected")
	}

	if err := EnsureSocketPathAvailable("  "); err == nil {
		t.Error("blank path must be rejected")
	}
}
