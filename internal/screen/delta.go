// Package screen serves pane screen content to clients: full snapshots,
// line deltas against a cursor, and guarded keystroke injection.
package screen

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Delta is one line-edit hunk. Hunks are applied in order; Start indexes
// into the array as it stands after the preceding hunks.
type Delta struct {
	Start       int      `json:"start"`
	DeleteCount int      `json:"deleteCount"`
	InsertLines []string `json:"insertLines"`
}

// BuildDeltas computes the hunks that transform before into after, via an
// LCS line diff. Applying the result to before in order yields after.
func BuildDeltas(before, after []string) []Delta {
	// LCS length table; screens are small enough for the quadratic table.
	n, m := len(before), len(after)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if before[i] == after[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var deltas []Delta
	offset := 0
	i, j := 0, 0
	for i < n || j < m {
		if i < n && j < m && before[i] == after[j] {
			i++
			j++
			continue
		}
		hunkStart := i
		var deleted int
		var inserted []string
		for i < n || j < m {
			if i < n && j < m && before[i] == after[j] {
				break
			}
			if i < n && (j >= m || lcs[i+1][j] >= lcs[i][j+1]) {
				deleted++
				i++
			} else {
				inserted = append(inserted, after[j])
				j++
			}
		}
		deltas = append(deltas, Delta{
			Start:       hunkStart + offset,
			DeleteCount: deleted,
			InsertLines: inserted,
		})
		offset += len(inserted) - deleted
	}
	return deltas
}

// ApplyDeltas applies hunks in order. Any out-of-range hunk fails the whole
// application; callers then fall back to a full fetch.
func ApplyDeltas(lines []string, deltas []Delta) ([]string, error) {
	out := append([]string(nil), lines...)
	for _, d := range deltas {
		if d.Start < 0 || d.Start > len(out) || d.Start+d.DeleteCount > len(out) {
			return nil, fmt.Errorf("delta out of range: start=%d delete=%d len=%d", d.Start, d.DeleteCount, len(out))
		}
		next := make([]string, 0, len(out)-d.DeleteCount+len(d.InsertLines))
		next = append(next, out[:d.Start]...)
		next = append(next, d.InsertLines...)
		next = append(next, out[d.Start+d.DeleteCount:]...)
		out = next
	}
	return out, nil
}

const (
	fullChangeRatio = 2   // full when changed lines exceed len/ratio
	fullChangeLines = 200 // or exceed this absolute count
	fullHunkCount   = 24  // or produce more hunks than this
)

// shouldSendFull prefers a full snapshot when the delta would be close to
// the size of the screen anyway. A replaced line counts once, so a hunk
// contributes the larger of its delete and insert sides.
func shouldSendFull(after []string, deltas []Delta) bool {
	changed := 0
	for _, d := range deltas {
		changed += max(d.DeleteCount, len(d.InsertLines))
	}
	if len(after) > 0 && changed > len(after)/fullChangeRatio {
		return true
	}
	if changed > fullChangeLines {
		return true
	}
	return len(deltas) > fullHunkCount
}

// contentCursor derives an opaque cursor token from the screen content and
// a monotonically increasing sequence number.
func contentCursor(seq uint64, lines []string) string {
	return fmt.Sprintf("%d-%s", seq, contentHash(lines))
}

func contentHash(lines []string) string {
	h := fnv.New64a()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func splitLines(content string) []string {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return []string{}
	}
	return strings.Split(content, "\n")
}
