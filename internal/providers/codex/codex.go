// Package codex reads rate-limit windows from the `codex app-server`
// subprocess over newline-delimited JSON-RPC on stdio.
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/core"
)

const (
	sessionWindowMinutes = 300
	weeklyWindowMinutes  = 10080

	// Unix timestamps above this are milliseconds, below it seconds.
	msThreshold = int64(1e12)

	maxScannerBufferSize = 8 * 1024 * 1024
)

// Conn is a newline-delimited JSON-RPC transport. Close must unblock any
// in-flight Read.
type Conn interface {
	io.ReadWriter
	Close() error
}

type Provider struct {
	// Dial opens the transport; the default spawns `codex app-server`.
	Dial          func(ctx context.Context) (Conn, error)
	Timeout       time.Duration
	PaceThreshold float64
	Now           func() time.Time
}

func New() *Provider {
	return &Provider{
		Dial:          dialAppServer,
		Timeout:       10 * time.Second,
		PaceThreshold: core.DefaultPaceThreshold,
		Now:           time.Now,
	}
}

func (p *Provider) ID() string    { return "codex" }
func (p *Provider) Label() string { return "Codex" }

type processConn struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (c *processConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *processConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *processConn) Close() error {
	c.stdin.Close()
	c.stdout.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}

func dialAppServer(ctx context.Context) (Conn, error) {
	cmd := exec.CommandContext(ctx, "codex", "app-server")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &processConn{stdin: stdin, stdout: stdout, cmd: cmd}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rateLimitsResult struct {
	RateLimits          *rateLimits           `json:"rateLimits"`
	RateLimitsByLimitID map[string]rateLimits `json:"rateLimitsByLimitId"`
}

type rateLimits struct {
	Primary   *rateLimitBucket `json:"primary,omitempty"`
	Secondary *rateLimitBucket `json:"secondary,omitempty"`
	PlanType  *string          `json:"planType,omitempty"`
}

type rateLimitBucket struct {
	UsedPercent   *float64 `json:"usedPercent"`
	WindowMinutes int      `json:"windowMinutes"`
	ResetsAt      int64    `json:"resetsAt"`
}

// candidate is one flattened (limit, slot) window.
type candidate struct {
	limitID     string
	slot        string
	durationMin int
	resetsAt    *time.Time
	usedPercent *float64
}

func (p *Provider) Fetch(ctx context.Context) (core.ProviderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.Dial(ctx)
	if err != nil {
		return core.ProviderSnapshot{}, apierr.Wrap(apierr.CodeCodexAppServerUnavailable, err, "launching codex app-server")
	}
	defer conn.Close()

	// Close the transport on cancellation so blocked reads return.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	session := &rpcSession{conn: conn, scanner: newScanner(conn)}

	initParams := map[string]any{
		"clientInfo": map[string]string{"name": "paneboard", "version": "1"},
	}
	if _, err := session.call("initialize", initParams); err != nil {
		return core.ProviderSnapshot{}, handshakeErr(ctx, err)
	}
	if err := session.notify("initialized"); err != nil {
		return core.ProviderSnapshot{}, handshakeErr(ctx, err)
	}

	raw, err := session.call("account/rateLimits/read", nil)
	if err != nil {
		return core.ProviderSnapshot{}, handshakeErr(ctx, err)
	}

	var result rateLimitsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return core.ProviderSnapshot{}, apierr.Wrap(apierr.CodeUnsupportedResponse, err, "parsing rateLimits result")
	}

	return p.buildSnapshot(&result), nil
}

func handshakeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		err = fmt.Errorf("%w (deadline: %v)", err, ctx.Err())
	}
	return apierr.Wrap(apierr.CodeCodexAppServerUnavailable, err, "codex app-server handshake")
}

type rpcSession struct {
	conn    Conn
	scanner *bufio.Scanner
	nextID  int64
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBufferSize)
	return scanner
}

func (s *rpcSession) call(method string, params any) (json.RawMessage, error) {
	s.nextID++
	id := s.nextID
	if err := s.send(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	// Skip notifications and unrelated lines until our response arrives.
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.ID == nil || *resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", method, err)
	}
	return nil, fmt.Errorf("%s: app-server closed stream before responding", method)
}

func (s *rpcSession) notify(method string) error {
	return s.send(rpcRequest{JSONRPC: "2.0", Method: method, Params: nil})
}

func (s *rpcSession) send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(append(data, '\n'))
	return err
}

// normalizeReset converts a unix timestamp in seconds or milliseconds.
func normalizeReset(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	var t time.Time
	if v > msThreshold {
		t = time.UnixMilli(v)
	} else {
		t = time.Unix(v, 0)
	}
	return &t
}

func flattenWindows(result *rateLimitsResult) []candidate {
	type dedupKey struct {
		limitID     string
		slot        string
		durationMin int
		resetsAt    int64
		usedPercent float64
	}
	seen := map[dedupKey]bool{}
	var out []candidate

	appendBucket := func(limitID, slot string, b *rateLimitBucket) {
		if b == nil {
			return
		}
		key := dedupKey{limitID: limitID, slot: slot, durationMin: b.WindowMinutes, resetsAt: b.ResetsAt}
		if b.UsedPercent != nil {
			key.usedPercent = *b.UsedPercent
		}
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, candidate{
			limitID:     limitID,
			slot:        slot,
			durationMin: b.WindowMinutes,
			resetsAt:    normalizeReset(b.ResetsAt),
			usedPercent: b.UsedPercent,
		})
	}

	appendLimits := func(limitID string, rl rateLimits) {
		appendBucket(limitID, "primary", rl.Primary)
		appendBucket(limitID, "secondary", rl.Secondary)
	}

	if result.RateLimits != nil {
		appendLimits("", *result.RateLimits)
	}
	ids := make([]string, 0, len(result.RateLimitsByLimitID))
	for id := range result.RateLimitsByLimitID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		appendLimits(id, result.RateLimitsByLimitID[id])
	}
	return out
}

// selectWindow picks the candidate with the given duration that resets
// soonest; ties go to the higher utilization. Candidates without a reset
// timestamp sort last.
func selectWindow(cands []candidate, durationMin int) *candidate {
	var best *candidate
	for i := range cands {
		c := &cands[i]
		if c.durationMin != durationMin {
			continue
		}
		if best == nil || windowLess(c, best) {
			best = c
		}
	}
	return best
}

func windowLess(a, b *candidate) bool {
	switch {
	case a.resetsAt == nil && b.resetsAt == nil:
	case a.resetsAt == nil:
		return false
	case b.resetsAt == nil:
		return true
	case !a.resetsAt.Equal(*b.resetsAt):
		return a.resetsAt.Before(*b.resetsAt)
	}
	au, bu := float64(-1), float64(-1)
	if a.usedPercent != nil {
		au = *a.usedPercent
	}
	if b.usedPercent != nil {
		bu = *b.usedPercent
	}
	return au > bu
}

func (p *Provider) buildSnapshot(result *rateLimitsResult) core.ProviderSnapshot {
	now := p.Now()
	snap := core.ProviderSnapshot{
		ProviderID:    p.ID(),
		ProviderLabel: p.Label(),
		Capabilities:  core.Capabilities{Windows: true, Cost: true},
		Status:        core.StatusOK,
		FetchedAt:     now,
	}
	if result.RateLimits != nil && result.RateLimits.PlanType != nil {
		snap.PlanLabel = *result.RateLimits.PlanType
		snap.Billing.PlanType = *result.RateLimits.PlanType
	}

	cands := flattenWindows(result)

	appendWindow := func(id core.WindowID, title string, minutes int) {
		c := selectWindow(cands, minutes)
		if c == nil {
			return
		}
		w := core.UsageMetricWindow{
			ID:                 id,
			Title:              title,
			UtilizationPercent: c.usedPercent,
			WindowDurationMs:   core.Int64Ptr(int64(minutes) * 60 * 1000),
			ResetsAt:           c.resetsAt,
		}
		w.Pace = core.DerivePace(c.usedPercent, time.Duration(minutes)*time.Minute, c.resetsAt, now, p.PaceThreshold)
		snap.Windows = append(snap.Windows, w)
	}

	appendWindow(core.WindowSession, "Session (5h)", sessionWindowMinutes)
	appendWindow(core.WindowWeekly, "Weekly (7d)", weeklyWindowMinutes)

	if len(snap.Windows) == 0 {
		snap.Issues = apierr.AppendIssue(snap.Issues, apierr.Issue{
			Code:     apierr.CodeUnsupportedResponse,
			Severity: apierr.SeverityWarning,
			Message:  "rateLimits result contained no session or weekly window",
		})
	}
	return snap
}
