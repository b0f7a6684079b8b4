package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	return &Resolver{
		Env:         func(string) string { return "" },
		FilePath:    filepath.Join(t.TempDir(), ".credentials.json"),
		KeychainGet: func(string, string) (string, error) { return "", errors.New("no keychain") },
		RunSecurity: func(context.Context, []string) (string, error) { return "", errors.New("no security") },
		GOOS:        "linux",
	}
}

func writeCredFile(t *testing.T, r *Resolver, content string) {
	t.Helper()
	if err := os.WriteFile(r.FilePath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestResolveOrderEnvFirst(t *testing.T) {
	r := testResolver(t)
	r.Env = func(key string) string {
		if key == EnvToken {
			return "env-token"
		}
		return ""
	}
	writeCredFile(t, r, `{"claudeAiOauth":{"accessToken":"file-token"}}`)

	got := r.Resolve(context.Background())
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].AccessToken != "env-token" || got[0].Source != "env" {
		t.Errorf("expected env candidate first, got %+v", got[0])
	}
	if got[1].AccessToken != "file-token" || got[1].Source != "file" {
		t.Errorf("expected file candidate second, got %+v", got[1])
	}
}

func TestResolveDedupByAccessToken(t *testing.T) {
	r := testResolver(t)
	r.Env = func(key string) string {
		if key == EnvToken {
			return "same-token"
		}
		return ""
	}
	writeCredFile(t, r, `{"accessToken":"same-token","refreshToken":"refresh-1"}`)

	got := r.Resolve(context.Background())
	if len(got) != 1 {
		t.Fatalf("expected dedup to 1 candidate, got %d", len(got))
	}
	// The file supplied a refresh token the env entry lacked: upgrade in place.
	if got[0].RefreshToken != "refresh-1" {
		t.Errorf("expected refresh-token upgrade, got %+v", got[0])
	}
	if got[0].Source != "env" {
		t.Errorf("earlier source should be kept, got %s", got[0].Source)
	}
}

func TestFileShapes(t *testing.T) {
	cases := []struct {
		name        string
		content     string
		wantAccess  string
		wantRefresh string
	}{
		{"bare string", `"tok-bare"`, "tok-bare", ""},
		{"raw token", "tok-raw\n", "tok-raw", ""},
		{"flat camel", `{"accessToken":"tok-a","refreshToken":"ref-a"}`, "tok-a", "ref-a"},
		{"flat snake", `{"access_token":"tok-b","refresh_token":"ref-b"}`, "tok-b", "ref-b"},
		{"nested claudeAiOauth", `{"claudeAiOauth":{"accessToken":"tok-c"}}`, "tok-c", ""},
		{"nested oauth", `{"oauth":{"access_token":"tok-d","refreshToken":"ref-d"}}`, "tok-d", "ref-d"},
		{"nested auth", `{"auth":{"accessToken":"tok-e"}}`, "tok-e", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := testResolver(t)
			writeCredFile(t, r, tc.content)
			got := r.Resolve(context.Background())
			if len(got) != 1 {
				t.Fatalf("expected 1 candidate, got %d", len(got))
			}
			if got[0].AccessToken != tc.wantAccess {
				t.Errorf("access: expected %q, got %q", tc.wantAccess, got[0].AccessToken)
			}
			if got[0].RefreshToken != tc.wantRefresh {
				t.Errorf("refresh: expected %q, got %q", tc.wantRefresh, got[0].RefreshToken)
			}
		})
	}
}

func TestMalformedFileIgnored(t *testing.T) {
	r := testResolver(t)
	writeCredFile(t, r, `{"something":"else"}`)
	if got := r.Resolve(context.Background()); len(got) != 0 {
		t.Errorf("expected no candidates from unrelated JSON, got %v", got)
	}
}

func TestDarwinKeychainScan(t *testing.T) {
	dump := `keychain: "/Users/dev/Library/Keychains/login.keychain-db"
    "svce"<blob>="Claude Code-credentials"
    other noise
    "svce"<blob>="Claude Code-credentials-work"
    "svce"<blob>="Unrelated Service"
    "svce"<blob>="Claude Code-credentials"
`
	services := scanKeychainServices(dump)
	if len(services) != 2 {
		t.Fatalf("expected 2 matched services, got %v", services)
	}
	if services[0] != "Claude Code-credentials" || services[1] != "Claude Code-credentials-work" {
		t.Errorf("unexpected services: %v", services)
	}
}

func TestDarwinKeychainCandidates(t *testing.T) {
	r := testResolver(t)
	r.GOOS = "darwin"
	secrets := map[string]string{
		"Claude Code-credentials":      `{"claudeAiOauth":{"accessToken":"kc-main","refreshToken":"kc-refresh"}}`,
		"Claude Code-credentials-work": `"kc-work"`,
	}
	r.RunSecurity = func(_ context.Context, args []string) (string, error) {
		if args[0] == "dump-keychain" {
			return `"svce"<blob>="Claude Code-credentials"` + "\n" + `"svce"<blob>="Claude Code-credentials-work"` + "\n", nil
		}
		if args[0] == "find-generic-password" {
			return secrets[args[2]], nil
		}
		return "", errors.New("unexpected call")
	}

	got := r.Resolve(context.Background())
	if len(got) != 2 {
		t.Fatalf("expected 2 keychain candidates, got %d", len(got))
	}
	if got[0].AccessToken != "kc-main" || got[0].RefreshToken != "kc-refresh" {
		t.Errorf("unexpected first candidate: %+v", got[0])
	}
	if got[1].AccessToken != "kc-work" {
		t.Errorf("unexpected second candidate: %+v", got[1])
	}
}

func TestClientIDDefault(t *testing.T) {
	r := testResolver(t)
	if got := r.ClientID(); got != DefaultClientID {
		t.Errorf("expected default client ID, got %q", got)
	}
	r.Env = func(key string) string {
		if key == EnvClientID {
			return "custom-id"
		}
		return ""
	}
	if got := r.ClientID(); got != "custom-id" {
		t.Errorf("expected env override, got %q", got)
	}
}
