package mux

import (
	"context"
	"regexp"
	"strings"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/execx"
)

// Runner abstracts execx.Run for tests.
type Runner func(ctx context.Context, name string, args []string, opts execx.Options) (execx.Result, error)

type Wezterm struct {
	Run Runner
}

func NewWezterm() *Wezterm {
	return &Wezterm{Run: execx.Run}
}

func (w *Wezterm) Name() string { return "wezterm" }

var paneNotFound = regexp.MustCompile(`pane \S+ not found`)

// classifyWezterm maps CLI failures onto the error taxonomy using stderr
// content, the way the wezterm CLI actually reports them.
func classifyWezterm(stderr string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case execx.IsNotFound(err):
		return apierr.Wrap(apierr.CodeWeztermUnavailable, err, "wezterm binary not found")
	case strings.Contains(stderr, "no running wezterm instance"):
		return apierr.Wrap(apierr.CodeWeztermUnavailable, err, "no running wezterm instance")
	case paneNotFound.MatchString(stderr):
		return apierr.Wrap(apierr.CodeInvalidPane, err, strings.TrimSpace(stderr))
	default:
		return apierr.Wrap(apierr.CodeWeztermUnavailable, err, firstLine(stderr))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func (w *Wezterm) cli(ctx context.Context, args ...string) (execx.Result, error) {
	res, err := w.Run(ctx, "wezterm", append([]string{"cli"}, args...), execx.Options{})
	if err != nil {
		return res, classifyWezterm(string(res.Stderr), err)
	}
	return res, nil
}

func (w *Wezterm) SendText(ctx context.Context, paneID, text string) error {
	_, err := w.cli(ctx, "send-text", "--pane-id", paneID, "--", text)
	return err
}

func (w *Wezterm) SendRaw(ctx context.Context, paneID, text string) error {
	_, err := w.cli(ctx, "send-text", "--pane-id", paneID, "--no-paste", "--", text)
	return err
}

func (w *Wezterm) ActivatePane(ctx context.Context, paneID string) error {
	_, err := w.cli(ctx, "activate-pane", "--pane-id", paneID)
	return err
}

func (w *Wezterm) KillPane(ctx context.Context, paneID string) error {
	_, err := w.cli(ctx, "kill-pane", "--pane-id", paneID)
	return err
}

func (w *Wezterm) CapturePane(ctx context.Context, paneID string) (string, error) {
	res, err := w.cli(ctx, "get-text", "--pane-id", paneID)
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

func (w *Wezterm) CapturePaneStyled(ctx context.Context, paneID string) (string, error) {
	res, err := w.cli(ctx, "get-text", "--pane-id", paneID, "--escapes")
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}
