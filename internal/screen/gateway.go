package screen

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/mux"
)

// DefaultEnterDelay is the pause between delivering text and the trailing
// Enter, so the agent's input handler sees the text committed first.
const DefaultEnterDelay = 120 * time.Millisecond

// Mode selects what a screen fetch returns.
type Mode string

const (
	// ModeText serves plain lines with delta encoding against a cursor.
	ModeText Mode = "text"
	// ModeImage serves a base64 styled frame; an unchanged frame is
	// signalled by an empty response carrying the same cursor.
	ModeImage Mode = "image"
)

// Response is either a full snapshot (Lines or Frame set) or a delta
// response (Deltas set). Cursor always identifies the state the client now
// holds.
type Response struct {
	Full   bool     `json:"full"`
	Lines  []string `json:"lines,omitempty"`
	Frame  string   `json:"frame,omitempty"`
	Deltas []Delta  `json:"deltas,omitempty"`
	Cursor string   `json:"cursor"`
}

// KeySender delivers symbolic keys directly, bypassing the CLI paste path.
// Optional; nil falls back to the adapter.
type KeySender interface {
	SendKeys(paneID string, keys []string) error
}

type paneState struct {
	lines       []string
	cursor      string
	frameCursor string
	frameHash   string
	seq         uint64
}

// Gateway serves screen content and keystrokes for panes through one
// multiplexer adapter.
type Gateway struct {
	Adapter    mux.Adapter
	Proxy      KeySender
	Guard      *DangerGuard
	EnterDelay time.Duration
	Sleep      func(time.Duration)

	mu    sync.Mutex
	panes map[string]*paneState
}

func NewGateway(adapter mux.Adapter, guard *DangerGuard) *Gateway {
	return &Gateway{
		Adapter:    adapter,
		Guard:      guard,
		EnterDelay: DefaultEnterDelay,
		Sleep:      time.Sleep,
		panes:      map[string]*paneState{},
	}
}

// GetScreen captures the pane and returns a full snapshot or, when the
// client's cursor matches the last served state, a delta response. Image
// mode serves styled frames instead of line deltas.
func (g *Gateway) GetScreen(ctx context.Context, paneID string, mode Mode, cursor string) (Response, error) {
	if mode == ModeImage {
		return g.getFrame(ctx, paneID, cursor)
	}
	content, err := g.Adapter.CapturePane(ctx, paneID)
	if err != nil {
		return Response{}, err
	}
	lines := splitLines(content)

	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.panes[paneID]
	if !ok {
		state = &paneState{}
		g.panes[paneID] = state
	}
	state.seq++
	next := contentCursor(state.seq, lines)

	// An unknown or stale cursor invalidates delta encoding.
	if cursor == "" || cursor != state.cursor {
		state.lines = lines
		state.cursor = next
		return Response{Full: true, Lines: lines, Cursor: next}, nil
	}

	deltas := BuildDeltas(state.lines, lines)
	state.lines = lines
	state.cursor = next
	if shouldSendFull(lines, deltas) {
		return Response{Full: true, Lines: lines, Cursor: next}, nil
	}
	return Response{Deltas: deltas, Cursor: next}, nil
}

// getFrame captures the pane with escapes intact. There is no delta
// encoding for frames; an unchanged frame returns only the cursor so the
// client keeps what it has.
func (g *Gateway) getFrame(ctx context.Context, paneID, cursor string) (Response, error) {
	content, err := g.Adapter.CapturePaneStyled(ctx, paneID)
	if err != nil {
		return Response{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.panes[paneID]
	if !ok {
		state = &paneState{}
		g.panes[paneID] = state
	}
	state.seq++
	next := contentCursor(state.seq, []string{content})
	hash := contentHash([]string{content})

	if cursor != "" && cursor == state.frameCursor && hash == state.frameHash {
		return Response{Cursor: cursor}, nil
	}
	state.frameCursor = next
	state.frameHash = hash
	return Response{
		Full:   true,
		Frame:  base64.StdEncoding.EncodeToString([]byte(content)),
		Cursor: next,
	}, nil
}

// SendText delivers text through the paste path, optionally following with
// a delayed Enter. The danger guard sees the text before anything is sent.
func (g *Gateway) SendText(ctx context.Context, paneID, text string, pressEnter, bypassGuard bool) error {
	if g.Guard != nil {
		if err := g.Guard.Check(paneID, text, bypassGuard); err != nil {
			return err
		}
	}
	if err := g.Adapter.SendText(ctx, paneID, text); err != nil {
		return err
	}
	if pressEnter {
		g.Sleep(g.EnterDelay)
		return g.Adapter.SendRaw(ctx, paneID, "\r")
	}
	return nil
}

// SendKeys delivers symbolic keys, preferring the direct proxy path.
func (g *Gateway) SendKeys(ctx context.Context, paneID string, keys []string) error {
	if g.Proxy != nil {
		return g.Proxy.SendKeys(paneID, keys)
	}
	data, err := mux.EncodeKeys(keys)
	if err != nil {
		return err
	}
	return g.Adapter.SendRaw(ctx, paneID, string(data))
}

// SendRaw bypasses paste handling entirely; the guard still applies.
func (g *Gateway) SendRaw(ctx context.Context, paneID, text string, bypassGuard bool) error {
	if g.Guard != nil {
		if err := g.Guard.Check(paneID, text, bypassGuard); err != nil {
			return err
		}
	}
	return g.Adapter.SendRaw(ctx, paneID, text)
}

// ForgetPane drops cursor state, e.g. after kill-pane.
func (g *Gateway) ForgetPane(paneID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.panes, paneID)
	if g.Guard != nil {
		g.Guard.ResetPane(paneID)
	}
}
