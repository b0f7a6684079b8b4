package mux

import (
	"context"
	"strings"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/execx"
)

// Tmux is the fallback adapter when wezterm is not available.
type Tmux struct {
	Run Runner
}

func NewTmux() *Tmux {
	return &Tmux{Run: execx.Run}
}

func (t *Tmux) Name() string { return "tmux" }

func classifyTmux(stderr string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case execx.IsNotFound(err):
		return apierr.Wrap(apierr.CodeTmuxUnavailable, err, "tmux binary not found")
	case strings.Contains(stderr, "no server running"):
		return apierr.Wrap(apierr.CodeTmuxUnavailable, err, "no tmux server running")
	case strings.Contains(stderr, "can't find pane"):
		return apierr.Wrap(apierr.CodeInvalidPane, err, strings.TrimSpace(stderr))
	default:
		return apierr.Wrap(apierr.CodeTmuxUnavailable, err, firstLine(stderr))
	}
}

func (t *Tmux) run(ctx context.Context, args ...string) (execx.Result, error) {
	res, err := t.Run(ctx, "tmux", args, execx.Options{})
	if err != nil {
		return res, classifyTmux(string(res.Stderr), err)
	}
	return res, nil
}

func (t *Tmux) SendText(ctx context.Context, paneID, text string) error {
	_, err := t.run(ctx, "send-keys", "-t", paneID, "-l", text)
	return err
}

func (t *Tmux) SendRaw(ctx context.Context, paneID, text string) error {
	if text == "\r" {
		_, err := t.run(ctx, "send-keys", "-t", paneID, "Enter")
		return err
	}
	_, err := t.run(ctx, "send-keys", "-t", paneID, "-l", text)
	return err
}

func (t *Tmux) ActivatePane(ctx context.Context, paneID string) error {
	_, err := t.run(ctx, "select-pane", "-t", paneID)
	return err
}

func (t *Tmux) KillPane(ctx context.Context, paneID string) error {
	_, err := t.run(ctx, "kill-pane", "-t", paneID)
	return err
}

func (t *Tmux) CapturePane(ctx context.Context, paneID string) (string, error) {
	res, err := t.run(ctx, "capture-pane", "-p", "-t", paneID)
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

func (t *Tmux) CapturePaneStyled(ctx context.Context, paneID string) (string, error) {
	res, err := t.run(ctx, "capture-pane", "-p", "-e", "-t", paneID)
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}
