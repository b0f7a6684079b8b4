package screen

import (
	"context"
	"encoding/base64"
	"math/rand"
	"testing"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
)

func TestBuildDeltasTwoEdits(t *testing.T) {
	before := []string{"a", "b", "c", "d", "e"}
	after := []string{"a", "x", "c", "d", "y"}

	deltas := BuildDeltas(before, after)
	if len(deltas) < 2 {
		t.Fatalf("expected at least 2 hunks, got %d: %+v", len(deltas), deltas)
	}
	got, err := ApplyDeltas(before, deltas)
	if err != nil {
		t.Fatal(err)
	}
	assertLines(t, got, after)
}

func TestBuildDeltasInsertDelete(t *testing.T) {
	cases := []struct {
		name          string
		before, after []string
	}{
		{"append", []string{"a"}, []string{"a", "b", "c"}},
		{"prepend", []string{"b"}, []string{"a", "b"}},
		{"delete middle", []string{"a", "b", "c"}, []string{"a", "c"}},
		{"replace all", []string{"a", "b"}, []string{"x", "y", "z"}},
		{"empty to full", []string{}, []string{"a", "b"}},
		{"full to empty", []string{"a", "b"}, []string{}},
		{"identical", []string{"a", "b"}, []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ApplyDeltas(tc.before, BuildDeltas(tc.before, tc.after))
			if err != nil {
				t.Fatal(err)
			}
			assertLines(t, got, tc.after)
		})
	}
}

func TestBuildDeltasRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	vocab := []string{"alpha", "beta", "gamma", "delta", "eps"}
	randLines := func() []string {
		n := rng.Intn(30)
		out := make([]string, n)
		for i := range out {
			out[i] = vocab[rng.Intn(len(vocab))]
		}
		return out
	}

	for i := 0; i < 200; i++ {
		before, after := randLines(), randLines()
		got, err := ApplyDeltas(before, BuildDeltas(before, after))
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		assertLines(t, got, after)
	}
}

func assertLines(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestApplyDeltasOutOfRange(t *testing.T) {
	if _, err := ApplyDeltas([]string{"a"}, []Delta{{Start: 5, DeleteCount: 1}}); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestShouldSendFull(t *testing.T) {
	lines := make([]string, 100)
	small := []Delta{{Start: 0, DeleteCount: 1, InsertLines: []string{"x"}}}
	if shouldSendFull(lines, small) {
		t.Error("small change should be a delta")
	}

	big := []Delta{{Start: 0, DeleteCount: 60, InsertLines: make([]string, 60)}}
	if !shouldSendFull(lines, big) {
		t.Error("change above half the lines should be full")
	}

	manyHunks := make([]Delta, 30)
	for i := range manyHunks {
		manyHunks[i] = Delta{Start: i, DeleteCount: 1, InsertLines: []string{"x"}}
	}
	if !shouldSendFull(lines, manyHunks) {
		t.Error("too many hunks should be full")
	}
}

func TestDangerGuardDirectMatch(t *testing.T) {
	g, err := NewDangerGuard(nil)
	if err != nil {
		t.Fatal(err)
	}
	err = g.Check("1", "rm -rf /", false)
	if apierr.CodeOf(err) != apierr.CodeDangerousCommand {
		t.Errorf("expected DANGEROUS_COMMAND, got %v", err)
	}
	if err := g.Check("1", "ls -la", false); err != nil {
		t.Errorf("benign text must pass: %v", err)
	}
}

func TestDangerGuardSplitTransmission(t *testing.T) {
	g, err := NewDangerGuard(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Check("1", "rm ", false); err != nil {
		t.Fatalf("prefix alone must pass: %v", err)
	}
	err = g.Check("1", "-rf /", false)
	if apierr.CodeOf(err) != apierr.CodeDangerousCommand {
		t.Errorf("split pattern must still block, got %v", err)
	}
}

func TestDangerGuardPaneIsolationAndBypass(t *testing.T) {
	g, err := NewDangerGuard(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Check("1", "rm ", false); err != nil {
		t.Fatal(err)
	}
	// Another pane never saw the prefix.
	if err := g.Check("2", "-rf /x", false); err != nil {
		t.Errorf("tails must be per-pane: %v", err)
	}
	// Opt-in bypasses the block.
	if err := g.Check("1", "-rf /", true); err != nil {
		t.Errorf("bypass must allow: %v", err)
	}
}

func TestDangerGuardStripsANSI(t *testing.T) {
	g, err := NewDangerGuard(nil)
	if err != nil {
		t.Fatal(err)
	}
	err = g.Check("1", "\x1b[31mrm -rf /\x1b[0m", false)
	if apierr.CodeOf(err) != apierr.CodeDangerousCommand {
		t.Errorf("escape sequences must not hide patterns, got %v", err)
	}
}

type fakeAdapter struct {
	content string
	styled  string
	sent    []string
	raw     []string
	killed  []string
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) SendText(_ context.Context, paneID, text string) error {
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeAdapter) SendRaw(_ context.Context, paneID, text string) error {
	f.raw = append(f.raw, text)
	return nil
}
func (f *fakeAdapter) ActivatePane(context.Context, string) error { return nil }
func (f *fakeAdapter) KillPane(_ context.Context, paneID string) error {
	f.killed = append(f.killed, paneID)
	return nil
}
func (f *fakeAdapter) CapturePane(context.Context, string) (string, error) {
	return f.content, nil
}
func (f *fakeAdapter) CapturePaneStyled(context.Context, string) (string, error) {
	return f.styled, nil
}

func newTestGateway(t *testing.T, adapter *fakeAdapter) *Gateway {
	t.Helper()
	guard, err := NewDangerGuard(nil)
	if err != nil {
		t.Fatal(err)
	}
	g := NewGateway(adapter, guard)
	g.Sleep = func(time.Duration) {}
	return g
}

func TestGetScreenFullThenDelta(t *testing.T) {
	adapter := &fakeAdapter{content: "a\nb\nc\nd\ne\n"}
	g := newTestGateway(t, adapter)

	first, err := g.GetScreen(context.Background(), "1", ModeText, "")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Full || len(first.Lines) != 5 {
		t.Fatalf("expected full snapshot, got %+v", first)
	}

	adapter.content = "a\nx\nc\nd\ny\n"
	second, err := g.GetScreen(context.Background(), "1", ModeText, first.Cursor)
	if err != nil {
		t.Fatal(err)
	}
	if second.Full {
		t.Fatalf("expected delta response, got full")
	}
	applied, err := ApplyDeltas(first.Lines, second.Deltas)
	if err != nil {
		t.Fatal(err)
	}
	assertLines(t, applied, []string{"a", "x", "c", "d", "y"})
}

func TestGetScreenStaleCursorForcesFull(t *testing.T) {
	adapter := &fakeAdapter{content: "a\nb\n"}
	g := newTestGateway(t, adapter)

	if _, err := g.GetScreen(context.Background(), "1", ModeText, ""); err != nil {
		t.Fatal(err)
	}
	resp, err := g.GetScreen(context.Background(), "1", ModeText, "bogus-cursor")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Full {
		t.Error("stale cursor must force a full snapshot")
	}
}

func TestShouldSendFullCountsReplacementsOnce(t *testing.T) {
	// Two single-line replacements on a five-line screen are well under
	// half the screen; each hunk contributes its larger side, not the sum.
	before := []string{"a", "b", "c", "d", "e"}
	after := []string{"a", "x", "c", "d", "y"}
	if deltas := BuildDeltas(before, after); shouldSendFull(after, deltas) {
		t.Errorf("replacements must not count twice: %+v", deltas)
	}
}

func TestGetScreenImageMode(t *testing.T) {
	adapter := &fakeAdapter{styled: "\x1b[31mhello\x1b[0m\n"}
	g := newTestGateway(t, adapter)

	first, err := g.GetScreen(context.Background(), "1", ModeImage, "")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Full || first.Frame == "" {
		t.Fatalf("expected full frame, got %+v", first)
	}
	decoded, err := base64.StdEncoding.DecodeString(first.Frame)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != adapter.styled {
		t.Errorf("frame must carry the styled capture, got %q", decoded)
	}

	unchanged, err := g.GetScreen(context.Background(), "1", ModeImage, first.Cursor)
	if err != nil {
		t.Fatal(err)
	}
	if unchanged.Full || unchanged.Frame != "" || unchanged.Cursor != first.Cursor {
		t.Errorf("unchanged frame should return only the cursor, got %+v", unchanged)
	}

	adapter.styled = "\x1b[32mbye\x1b[0m\n"
	next, err := g.GetScreen(context.Background(), "1", ModeImage, first.Cursor)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Full || next.Frame == "" || next.Cursor == first.Cursor {
		t.Errorf("changed frame should be served in full, got %+v", next)
	}
}

func TestSendTextWithEnter(t *testing.T) {
	adapter := &fakeAdapter{}
	g := newTestGateway(t, adapter)

	if err := g.SendText(context.Background(), "1", "echo hi", true, false); err != nil {
		t.Fatal(err)
	}
	if len(adapter.sent) != 1 || adapter.sent[0] != "echo hi" {
		t.Errorf("unexpected sent text: %v", adapter.sent)
	}
	if len(adapter.raw) != 1 || adapter.raw[0] != "\r" {
		t.Errorf("expected trailing raw enter, got %v", adapter.raw)
	}
}

func TestSendTextBlockedBeforeDelivery(t *testing.T) {
	adapter := &fakeAdapter{}
	g := newTestGateway(t, adapter)

	err := g.SendText(context.Background(), "1", "rm -rf /", true, false)
	if apierr.CodeOf(err) != apierr.CodeDangerousCommand {
		t.Fatalf("expected block, got %v", err)
	}
	if len(adapter.sent) != 0 || len(adapter.raw) != 0 {
		t.Error("blocked text must never reach the adapter")
	}
}
