// Package gitstate scrapes git working-tree and history state for a pane's
// worktree and caches it behind content signatures so unchanged polls do not
// produce observable updates.
package gitstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/janekbaraniewski/paneboard/internal/execx"
)

const (
	// CommitPageSize is the log pagination unit; hasMore is true iff a
	// fetch returned exactly this many commits.
	CommitPageSize = 10

	maxPatchBytes = 512 * 1024

	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

type DiffFileEntry struct {
	Path        string `json:"path"`
	Status      string `json:"status"` // A M D R C U ?
	Staged      bool   `json:"staged"`
	RenamedFrom string `json:"renamedFrom,omitempty"`
	Additions   *int   `json:"additions,omitempty"`
	Deletions   *int   `json:"deletions,omitempty"`
}

type DiffSummary struct {
	RepoRoot  string          `json:"repoRoot,omitempty"`
	Rev       string          `json:"rev,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Truncated bool            `json:"truncated"`
	Files     []DiffFileEntry `json:"files"`
}

type DiffFile struct {
	Path      string `json:"path"`
	Patch     string `json:"patch"`
	Truncated bool   `json:"truncated"`
}

type Commit struct {
	Hash        string    `json:"hash"`
	ShortHash   string    `json:"shortHash"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body,omitempty"`
	AuthorName  string    `json:"authorName"`
	AuthorEmail string    `json:"authorEmail,omitempty"`
	AuthoredAt  time.Time `json:"authoredAt"`
}

type CommitLog struct {
	RepoRoot   string   `json:"repoRoot,omitempty"`
	Rev        string   `json:"rev,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	TotalCount int      `json:"totalCount"`
	Commits    []Commit `json:"commits"`
	HasMore    bool     `json:"hasMore"`
}

type CommitDetail struct {
	Commit Commit          `json:"commit"`
	Files  []DiffFileEntry `json:"files"`
}

// NormalizeStatus maps the untracked marker to A where a concrete label is
// needed.
func NormalizeStatus(status string) string {
	if status == "?" {
		return "A"
	}
	return status
}

// Fetcher runs git against one worktree.
type Fetcher struct {
	Run func(ctx context.Context, name string, args []string, opts execx.Options) (execx.Result, error)
}

func NewFetcher() *Fetcher {
	return &Fetcher{Run: execx.Run}
}

func (f *Fetcher) git(ctx context.Context, dir string, args ...string) (execx.Result, error) {
	return f.Run(ctx, "git", args, execx.Options{Dir: dir, AllowStdoutOnError: true})
}

func (f *Fetcher) gitCapped(ctx context.Context, dir string, args ...string) (execx.Result, error) {
	return f.Run(ctx, "git", args, execx.Options{Dir: dir, AllowStdoutOnError: true, MaxStdoutBytes: maxPatchBytes})
}

func (f *Fetcher) repoContext(ctx context.Context, dir string) (repoRoot, rev string) {
	if res, err := f.git(ctx, dir, "rev-parse", "--show-toplevel"); err == nil {
		repoRoot = strings.TrimSpace(string(res.Stdout))
	}
	if res, err := f.git(ctx, dir, "rev-parse", "--short", "HEAD"); err == nil {
		rev = strings.TrimSpace(string(res.Stdout))
	}
	return repoRoot, rev
}

func (f *Fetcher) DiffSummary(ctx context.Context, dir string) (DiffSummary, error) {
	summary := DiffSummary{Files: []DiffFileEntry{}}
	summary.RepoRoot, summary.Rev = f.repoContext(ctx, dir)
	if summary.RepoRoot == "" {
		summary.Reason = "not a git repository"
		return summary, nil
	}

	res, err := f.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return summary, fmt.Errorf("git status: %w", err)
	}
	summary.Files = parsePorcelain(string(res.Stdout))
	summary.Truncated = res.Truncated

	stats := map[string][2]int{}
	for _, args := range [][]string{{"diff", "--numstat"}, {"diff", "--numstat", "--cached"}} {
		if res, err := f.git(ctx, dir, args...); err == nil {
			mergeNumstat(stats, string(res.Stdout))
		}
	}
	for i := range summary.Files {
		if s, ok := stats[summary.Files[i].Path]; ok {
			add, del := s[0], s[1]
			summary.Files[i].Additions = &add
			summary.Files[i].Deletions = &del
		}
	}

	sort.Slice(summary.Files, func(i, j int) bool { return summary.Files[i].Path < summary.Files[j].Path })
	return summary, nil
}

// parsePorcelain reads `git status --porcelain` output. The first column is
// the index (staged) status, the second the worktree status; untracked
// entries are "??".
func parsePorcelain(out string) []DiffFileEntry {
	var files []DiffFileEntry
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		rest := line[3:]

		entry := DiffFileEntry{Path: rest}
		switch {
		case x == '?' && y == '?':
			entry.Status = "?"
		case x != ' ':
			entry.Status = string(x)
			entry.Staged = true
		default:
			entry.Status = string(y)
		}

		if entry.Status == "R" || entry.Status == "C" {
			if from, to, ok := strings.Cut(rest, " -> "); ok {
				entry.RenamedFrom = from
				entry.Path = to
			}
		}
		files = append(files, entry)
	}
	return files
}

func mergeNumstat(stats map[string][2]int, out string) {
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		add, errA := strconv.Atoi(parts[0])
		del, errD := strconv.Atoi(parts[1])
		if errA != nil || errD != nil {
			continue // binary files report "-"
		}
		path := parts[2]
		if _, to, ok := strings.Cut(path, " => "); ok {
			path = to
		}
		prev := stats[path]
		stats[path] = [2]int{prev[0] + add, prev[1] + del}
	}
}

func (f *Fetcher) DiffFile(ctx context.Context, dir, path string, staged bool) (DiffFile, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	args = append(args, "--", path)
	res, err := f.gitCapped(ctx, dir, args...)
	if err != nil {
		return DiffFile{}, fmt.Errorf("git diff %s: %w", path, err)
	}
	if len(res.Stdout) == 0 {
		// Untracked files have no diff against the index; show the file.
		res, err = f.gitCapped(ctx, dir, "diff", "--no-index", "--", "/dev/null", path)
		if err != nil && len(res.Stdout) == 0 {
			return DiffFile{}, fmt.Errorf("git diff --no-index %s: %w", path, err)
		}
	}
	return DiffFile{Path: path, Patch: string(res.Stdout), Truncated: res.Truncated}, nil
}

var logFormat = strings.Join([]string{"%H", "%h", "%s", "%b", "%an", "%ae", "%aI"}, fieldSep) + recordSep

func (f *Fetcher) CommitLog(ctx context.Context, dir string, offset int) (CommitLog, error) {
	log := CommitLog{Commits: []Commit{}}
	log.RepoRoot, log.Rev = f.repoContext(ctx, dir)
	if log.RepoRoot == "" {
		log.Reason = "not a git repository"
		return log, nil
	}

	if res, err := f.git(ctx, dir, "rev-list", "--count", "HEAD"); err == nil {
		log.TotalCount, _ = strconv.Atoi(strings.TrimSpace(string(res.Stdout)))
	}

	res, err := f.git(ctx, dir,
		"log", "--skip", strconv.Itoa(offset), "-n", strconv.Itoa(CommitPageSize),
		"--pretty=format:"+logFormat)
	if err != nil {
		return log, fmt.Errorf("git log: %w", err)
	}
	log.Commits = parseCommits(string(res.Stdout))
	log.HasMore = len(log.Commits) == CommitPageSize
	return log, nil
}

func parseCommits(out string) []Commit {
	var commits []Commit
	for _, record := range strings.Split(out, recordSep) {
		record = strings.TrimLeft(record, "\n")
		fields := strings.Split(record, fieldSep)
		if len(fields) != 7 || fields[0] == "" {
			continue
		}
		c := Commit{
			Hash:        fields[0],
			ShortHash:   fields[1],
			Subject:     fields[2],
			Body:        strings.TrimSpace(fields[3]),
			AuthorName:  fields[4],
			AuthorEmail: fields[5],
		}
		if ts, err := time.Parse(time.RFC3339, fields[6]); err == nil {
			c.AuthoredAt = ts
		}
		commits = append(commits, c)
	}
	return commits
}

func (f *Fetcher) CommitDetail(ctx context.Context, dir, hash string) (CommitDetail, error) {
	res, err := f.git(ctx, dir, "show", "--no-patch", "--pretty=format:"+logFormat, hash)
	if err != nil {
		return CommitDetail{}, fmt.Errorf("git show %s: %w", hash, err)
	}
	commits := parseCommits(string(res.Stdout))
	if len(commits) == 0 {
		return CommitDetail{}, fmt.Errorf("git show %s: unexpected output", hash)
	}
	detail := CommitDetail{Commit: commits[0], Files: []DiffFileEntry{}}

	res, err = f.git(ctx, dir, "show", "--numstat", "--name-status", "--pretty=format:", hash)
	if err != nil {
		return detail, nil
	}
	detail.Files = parseNameStatus(string(res.Stdout))
	return detail, nil
}

// parseNameStatus reads `--name-status` lines: "M\tpath" or "R100\told\tnew".
func parseNameStatus(out string) []DiffFileEntry {
	var files []DiffFileEntry
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 2 || parts[0] == "" {
			continue
		}
		status := string(parts[0][0])
		entry := DiffFileEntry{Status: status, Path: parts[len(parts)-1]}
		if (status == "R" || status == "C") && len(parts) == 3 {
			entry.RenamedFrom = parts[1]
		}
		files = append(files, entry)
	}
	return files
}

func (f *Fetcher) CommitFile(ctx context.Context, dir, hash, path string) (DiffFile, error) {
	res, err := f.gitCapped(ctx, dir, "show", "--pretty=format:", hash, "--", path)
	if err != nil {
		return DiffFile{}, fmt.Errorf("git show %s -- %s: %w", hash, path, err)
	}
	return DiffFile{Path: path, Patch: string(res.Stdout), Truncated: res.Truncated}, nil
}

// Signature returns the deterministic identity of a diff summary: repo
// context plus the sorted file list.
func (s DiffSummary) Signature() string {
	files := append([]DiffFileEntry(nil), s.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	payload, _ := json.Marshal(struct {
		RepoRoot  string          `json:"repoRoot"`
		Rev       string          `json:"rev"`
		Reason    string          `json:"reason"`
		Truncated bool            `json:"truncated"`
		Files     []DiffFileEntry `json:"files"`
	}{s.RepoRoot, s.Rev, s.Reason, s.Truncated, files})
	return string(payload)
}

// Signature identifies a commit log page set by repo context, total count,
// and the ordered commit hashes.
func (l CommitLog) Signature() string {
	hashes := make([]string, len(l.Commits))
	for i, c := range l.Commits {
		hashes[i] = c.Hash
	}
	payload, _ := json.Marshal(struct {
		RepoRoot   string   `json:"repoRoot"`
		Rev        string   `json:"rev"`
		Reason     string   `json:"reason"`
		TotalCount int      `json:"totalCount"`
		Hashes     []string `json:"hashes"`
	}{l.RepoRoot, l.Rev, l.Reason, l.TotalCount, hashes})
	return string(payload)
}
