// Package credentials resolves OAuth credential candidates for the Claude
// usage provider from the environment, the platform keychain, and the
// credentials file, in that order.
package credentials

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/janekbaraniewski/paneboard/internal/execx"
)

const (
	EnvToken    = "CLAUDE_CODE_OAUTH_TOKEN"
	EnvClientID = "CLAUDE_CODE_OAUTH_CLIENT_ID"

	DefaultClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	keychainService = "Claude Code-credentials"
)

// A suffix after the service name lets one machine hold credentials for
// several accounts, e.g. "Claude Code-credentials-work".
var keychainServicePattern = regexp.MustCompile(`^Claude Code-credentials(?:-[\w.@-]+)?$`)

// Candidate is one (accessToken, refreshToken?) pair in resolution order.
type Candidate struct {
	AccessToken  string
	RefreshToken string
	Source       string // "env", "keychain", "file"
}

type Resolver struct {
	// Overridable for tests.
	Env         func(string) string
	FilePath    string
	KeychainGet func(service, user string) (string, error)
	RunSecurity func(ctx context.Context, args []string) (string, error)
	GOOS        string
}

func NewResolver() *Resolver {
	home, _ := os.UserHomeDir()
	return &Resolver{
		Env:      os.Getenv,
		FilePath: filepath.Join(home, ".claude", ".credentials.json"),
		KeychainGet: func(service, user string) (string, error) {
			return keyring.Get(service, user)
		},
		RunSecurity: func(ctx context.Context, args []string) (string, error) {
			res, err := execx.Run(ctx, "security", args, execx.Options{})
			if err != nil {
				return "", err
			}
			return string(res.Stdout), nil
		},
		GOOS: runtime.GOOS,
	}
}

// ClientID returns the OAuth client ID used for token refresh.
func (r *Resolver) ClientID() string {
	if id := strings.TrimSpace(r.Env(EnvClientID)); id != "" {
		return id
	}
	return DefaultClientID
}

// Resolve returns the ordered, de-duplicated candidate list. The dedup key
// is the access token; a later source only upgrades an earlier entry when it
// supplies a refresh token the earlier one lacked.
func (r *Resolver) Resolve(ctx context.Context) []Candidate {
	var out []Candidate
	seen := map[string]int{} // access token -> index in out

	add := func(c Candidate) {
		c.AccessToken = strings.TrimSpace(c.AccessToken)
		c.RefreshToken = strings.TrimSpace(c.RefreshToken)
		if c.AccessToken == "" {
			return
		}
		if i, ok := seen[c.AccessToken]; ok {
			if out[i].RefreshToken == "" && c.RefreshToken != "" {
				out[i].RefreshToken = c.RefreshToken
			}
			return
		}
		seen[c.AccessToken] = len(out)
		out = append(out, c)
	}

	if token := strings.TrimSpace(r.Env(EnvToken)); token != "" {
		add(Candidate{AccessToken: token, Source: "env"})
	}

	for _, c := range r.keychainCandidates(ctx) {
		c.Source = "keychain"
		add(c)
	}

	for _, c := range r.fileCandidates() {
		c.Source = "file"
		add(c)
	}

	return out
}

func (r *Resolver) keychainCandidates(ctx context.Context) []Candidate {
	if r.GOOS == "darwin" {
		return r.darwinKeychainCandidates(ctx)
	}

	user := r.Env("USER")
	value, err := r.KeychainGet(keychainService, user)
	if err != nil || strings.TrimSpace(value) == "" {
		return nil
	}
	if c, ok := parsePayload([]byte(value)); ok {
		return []Candidate{c}
	}
	return nil
}

// darwinKeychainCandidates scans `security dump-keychain` for matching
// service names, then reads each entry's secret. Dump output lists services
// as: "svce"<blob>="Claude Code-credentials".
func (r *Resolver) darwinKeychainCandidates(ctx context.Context) []Candidate {
	dump, err := r.RunSecurity(ctx, []string{"dump-keychain"})
	if err != nil {
		return nil
	}

	services := scanKeychainServices(dump)
	var out []Candidate
	for _, svc := range services {
		secret, err := r.RunSecurity(ctx, []string{"find-generic-password", "-s", svc, "-w"})
		if err != nil {
			continue
		}
		if c, ok := parsePayload([]byte(strings.TrimSpace(secret))); ok {
			out = append(out, c)
		}
	}
	return out
}

var svceLine = regexp.MustCompile(`"svce"<blob>="([^"]+)"`)

func scanKeychainServices(dump string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range svceLine.FindAllStringSubmatch(dump, -1) {
		svc := m[1]
		if !keychainServicePattern.MatchString(svc) || seen[svc] {
			continue
		}
		seen[svc] = true
		out = append(out, svc)
	}
	return out
}

func (r *Resolver) fileCandidates() []Candidate {
	data, err := os.ReadFile(r.FilePath)
	if err != nil {
		return nil
	}
	if c, ok := parsePayload(data); ok {
		return []Candidate{c}
	}
	return nil
}

// tokenShape accepts both snake_case and camelCase field spellings.
type tokenShape struct {
	AccessTokenCamel  string `json:"accessToken"`
	AccessTokenSnake  string `json:"access_token"`
	RefreshTokenCamel string `json:"refreshToken"`
	RefreshTokenSnake string `json:"refresh_token"`
}

func (t tokenShape) candidate() (Candidate, bool) {
	access := t.AccessTokenCamel
	if access == "" {
		access = t.AccessTokenSnake
	}
	refresh := t.RefreshTokenCamel
	if refresh == "" {
		refresh = t.RefreshTokenSnake
	}
	if strings.TrimSpace(access) == "" {
		return Candidate{}, false
	}
	return Candidate{AccessToken: access, RefreshToken: refresh}, true
}

// nestedKeys are the object keys a credential payload may be wrapped under.
var nestedKeys = []string{"claudeAiOauth", "oauth", "auth"}

// parsePayload tolerates three shapes: a bare token string, a flat object,
// and an object nested under one of nestedKeys.
func parsePayload(data []byte) (Candidate, bool) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return Candidate{}, false
	}

	if !strings.HasPrefix(trimmed, "{") {
		var bare string
		if err := json.Unmarshal(data, &bare); err == nil {
			if strings.TrimSpace(bare) != "" {
				return Candidate{AccessToken: bare}, true
			}
			return Candidate{}, false
		}
		// Not JSON at all: treat the raw content as a bare token.
		return Candidate{AccessToken: trimmed}, true
	}

	var flat tokenShape
	if err := json.Unmarshal(data, &flat); err == nil {
		if c, ok := flat.candidate(); ok {
			return c, true
		}
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return Candidate{}, false
	}
	for _, key := range nestedKeys {
		raw, ok := wrapper[key]
		if !ok {
			continue
		}
		var nested tokenShape
		if err := json.Unmarshal(raw, &nested); err != nil {
			continue
		}
		if c, ok := nested.candidate(); ok {
			return c, true
		}
	}
	return Candidate{}, false
}
