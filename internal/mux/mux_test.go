package mux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/execx"
)

type call struct {
	name string
	args []string
}

func fakeRunner(calls *[]call, stdout, stderr string, err error) Runner {
	return func(_ context.Context, name string, args []string, _ execx.Options) (execx.Result, error) {
		*calls = append(*calls, call{name: name, args: args})
		return execx.Result{Stdout: []byte(stdout), Stderr: []byte(stderr)}, err
	}
}

func TestWeztermSendTextArguments(t *testing.T) {
	var calls []call
	w := &Wezterm{Run: fakeRunner(&calls, "", "", nil)}

	if err := w.SendText(context.Background(), "7", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := w.SendRaw(context.Background(), "7", "\r"); err != nil {
		t.Fatal(err)
	}

	want := [][]string{
		{"cli", "send-text", "--pane-id", "7", "--", "hello"},
		{"cli", "send-text", "--pane-id", "7", "--no-paste", "--", "\r"},
	}
	for i, args := range want {
		if calls[i].name != "wezterm" {
			t.Errorf("call %d: expected wezterm, got %s", i, calls[i].name)
		}
		if len(calls[i].args) != len(args) {
			t.Fatalf("call %d args: %v", i, calls[i].args)
		}
		for j := range args {
			if calls[i].args[j] != args[j] {
				t.Errorf("call %d arg %d: expected %q, got %q", i, j, args[j], calls[i].args[j])
			}
		}
	}
}

func TestWeztermErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		stderr string
		want   apierr.Code
	}{
		{"no instance", "error: no running wezterm instance found\n", apierr.CodeWeztermUnavailable},
		{"bad pane", "error: pane 42 not found\n", apierr.CodeInvalidPane},
		{"other", "something exploded\n", apierr.CodeWeztermUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls []call
			w := &Wezterm{Run: fakeRunner(&calls, "", tc.stderr, errors.New("exit status 1"))}
			err := w.KillPane(context.Background(), "42")
			if apierr.CodeOf(err) != tc.want {
				t.Errorf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestTmuxErrorClassification(t *testing.T) {
	var calls []call
	tm := &Tmux{Run: fakeRunner(&calls, "", "can't find pane: %3\n", errors.New("exit status 1"))}
	err := tm.SendText(context.Background(), "%3", "x")
	if apierr.CodeOf(err) != apierr.CodeInvalidPane {
		t.Errorf("expected INVALID_PANE, got %v", err)
	}

	tm = &Tmux{Run: fakeRunner(&calls, "", "no server running on /tmp/tmux-1000/default\n", errors.New("exit status 1"))}
	_, err = tm.CapturePane(context.Background(), "%3")
	if apierr.CodeOf(err) != apierr.CodeTmuxUnavailable {
		t.Errorf("expected TMUX_UNAVAILABLE, got %v", err)
	}
}

func TestCapturePaneReturnsStdout(t *testing.T) {
	var calls []call
	w := &Wezterm{Run: fakeRunner(&calls, "line1\nline2\n", "", nil)}
	out, err := w.CapturePane(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if out != "line1\nline2\n" {
		t.Errorf("unexpected capture: %q", out)
	}
}

// duplexBuffer is an in-memory ReadWriter where reads consume what the
// fake proxy side wrote.
type duplexBuffer struct {
	in  bytes.Buffer // proxy -> client
	out bytes.Buffer // client -> proxy
}

func (d *duplexBuffer) Read(p []byte) (int, error)  { return d.in.Read(p) }
func (d *duplexBuffer) Write(p []byte) (int, error) { return d.out.Write(p) }

func TestProxySendKeysRoundTrip(t *testing.T) {
	d := &duplexBuffer{}
	// Pre-stage a success ack for serial 1, preceded by an unrelated frame
	// that must be skipped.
	writePDU(&d.in, identSuccess, 99, nil)
	writePDU(&d.in, identSuccess, 1, nil)

	p := NewProxy(d)
	if err := p.SendKeys("7", []string{"Enter"}); err != nil {
		t.Fatal(err)
	}

	// Verify the request frame the client produced.
	ident, serial, data, err := readPDU(bufio.NewReader(&d.out))
	if err != nil {
		t.Fatal(err)
	}
	if ident != identSendKeys || serial != 1 {
		t.Errorf("unexpected frame header: ident=%d serial=%d", ident, serial)
	}
	if string(data) != "7\x00\r" {
		t.Errorf("unexpected payload: %q", data)
	}
}

func TestProxySendKeysError(t *testing.T) {
	d := &duplexBuffer{}
	writePDU(&d.in, identError, 1, []byte("pane gone"))

	p := NewProxy(d)
	err := p.SendKeys("7", []string{"Enter"})
	if apierr.CodeOf(err) != apierr.CodeWeztermUnavailable {
		t.Errorf("expected proxy error, got %v", err)
	}
}

func TestEncodeKeys(t *testing.T) {
	got, err := EncodeKeys([]string{"C-c", "Up", "a", "Enter"})
	if err != nil {
		t.Fatal(err)
	}
	want := "\x03\x1b[Aa\r"
	if string(got) != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	if _, err := EncodeKeys([]string{"NotAKey"}); err == nil {
		t.Error("expected error for unknown key")
	}
}
