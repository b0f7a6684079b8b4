// Package mux drives the terminal multiplexer: text/key injection, pane
// focus and teardown, and screen capture. The wezterm CLI is the primary
// adapter with tmux as fallback; an optional stdio proxy carries symbolic
// key presses.
package mux

import "context"

// Adapter is one multiplexer backend.
type Adapter interface {
	Name() string

	// SendText delivers literal text through the paste path.
	SendText(ctx context.Context, paneID, text string) error
	// SendRaw delivers text bypassing paste handling (used for bare '\r'
	// so the agent's input handler sees the text committed first).
	SendRaw(ctx context.Context, paneID, text string) error

	ActivatePane(ctx context.Context, paneID string) error
	KillPane(ctx context.Context, paneID string) error

	// CapturePane returns the pane's rendered text content.
	CapturePane(ctx context.Context, paneID string) (string, error)
	// CapturePaneStyled returns the pane content with escape sequences
	// intact, for clients that render styled frames.
	CapturePaneStyled(ctx context.Context, paneID string) (string, error)
}
