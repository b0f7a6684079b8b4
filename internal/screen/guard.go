package screen

import (
	"regexp"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
)

// dangerTailSize is how many trailing bytes of previously sent text are
// prepended before matching, so patterns split across sends still match.
const dangerTailSize = 256

// DefaultDangerPatterns flag command lines that destroy data or the machine.
var DefaultDangerPatterns = []string{
	`rm\s+(-\w+\s+)*-\w*[rf]\w*\s+/(\s|$)`,
	`rm\s+-rf?\s+[~/]`,
	`sudo\s+rm\s`,
	`mkfs(\.\w+)?\s`,
	`dd\s+if=.*of=/dev/`,
	`:\(\)\s*\{.*\};\s*:`,
	`shutdown(\s|$)`,
	`reboot(\s|$)`,
	`git\s+push\s+.*--force`,
}

// DangerGuard rejects text whose concatenation with recently sent text
// matches a blocking pattern, unless the caller explicitly opted in.
type DangerGuard struct {
	patterns []*regexp.Regexp

	mu    sync.Mutex
	tails map[string][]byte // paneID -> rolling tail of sent text
}

func NewDangerGuard(patterns []string) (*DangerGuard, error) {
	if patterns == nil {
		patterns = DefaultDangerPatterns
	}
	g := &DangerGuard{tails: map[string][]byte{}}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

// Check validates text against the blocking patterns. Allowed text extends
// the pane's rolling tail; rejected text does not (it was never sent).
func (g *DangerGuard) Check(paneID, text string, bypass bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	clean := ansi.Strip(text)
	combined := append(append([]byte{}, g.tails[paneID]...), clean...)

	if !bypass {
		for _, re := range g.patterns {
			if re.Match(combined) {
				return apierr.Newf(apierr.CodeDangerousCommand, "blocked by pattern %q", re.String())
			}
		}
	}

	if len(combined) > dangerTailSize {
		combined = combined[len(combined)-dangerTailSize:]
	}
	g.tails[paneID] = combined
	return nil
}

// ResetPane clears the rolling tail, e.g. after the pane was killed.
func (g *DangerGuard) ResetPane(paneID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tails, paneID)
}
