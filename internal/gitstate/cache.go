package gitstate

import (
	"sync"
)

// scopeKey identifies one pane+worktree cache scope.
type scopeKey struct {
	PaneID   string
	Worktree string
}

type scopeState struct {
	summary       *DiffSummary
	summarySig    string
	diffFiles     map[string]DiffFile // path -> patch
	log           *CommitLog
	logSig        string
	commitDetails map[string]CommitDetail // hash -> detail
	commitFiles   map[string]DiffFile     // "<hash>:<path>" -> patch
}

func newScopeState() *scopeState {
	return &scopeState{
		diffFiles:     map[string]DiffFile{},
		commitDetails: map[string]CommitDetail{},
		commitFiles:   map[string]DiffFile{},
	}
}

// Cache holds per-(paneId, worktreePath) git state. Values are replaced
// wholesale, and only when their signature changed.
type Cache struct {
	mu     sync.Mutex
	scopes map[scopeKey]*scopeState
}

func NewCache() *Cache {
	return &Cache{scopes: map[scopeKey]*scopeState{}}
}

func (c *Cache) scope(paneID, worktree string) *scopeState {
	key := scopeKey{PaneID: paneID, Worktree: worktree}
	s, ok := c.scopes[key]
	if !ok {
		s = newScopeState()
		c.scopes[key] = s
	}
	return s
}

// Scope is the exported form of a cache key, for callers that iterate
// active scopes (e.g. the poll loop).
type Scope struct {
	PaneID   string
	Worktree string
}

// Scopes lists every (paneId, worktree) pair the cache currently tracks.
func (c *Cache) Scopes() []Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Scope, 0, len(c.scopes))
	for key := range c.scopes {
		out = append(out, Scope{PaneID: key.PaneID, Worktree: key.Worktree})
	}
	return out
}

// PutSummary installs a fresh diff summary unless its signature matches the
// cached one. It reports whether observers see a new value.
func (c *Cache) PutSummary(paneID, worktree string, summary DiffSummary) bool {
	sig := summary.Signature()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scope(paneID, worktree)
	if s.summary != nil && s.summarySig == sig {
		return false
	}
	s.summary = &summary
	s.summarySig = sig
	// The per-file patches belong to the replaced summary.
	s.diffFiles = map[string]DiffFile{}
	return true
}

func (c *Cache) Summary(paneID, worktree string) (DiffSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scope(paneID, worktree)
	if s.summary == nil {
		return DiffSummary{}, false
	}
	return *s.summary, true
}

func (c *Cache) PutDiffFile(paneID, worktree string, file DiffFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scope(paneID, worktree).diffFiles[file.Path] = file
}

func (c *Cache) DiffFile(paneID, worktree, path string) (DiffFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.scope(paneID, worktree).diffFiles[path]
	return f, ok
}

// PutLog installs a fetched commit-log page. When append is true the page
// merges into the existing log by hash (first occurrence wins). Otherwise
// the log is replaced if its signature changed, and details for commits no
// longer present are pruned.
func (c *Cache) PutLog(paneID, worktree string, page CommitLog, appendPage bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scope(paneID, worktree)

	if appendPage && s.log != nil {
		merged := *s.log
		merged.Commits = append([]Commit(nil), s.log.Commits...)
		seen := map[string]bool{}
		for _, commit := range merged.Commits {
			seen[commit.Hash] = true
		}
		for _, commit := range page.Commits {
			if seen[commit.Hash] {
				continue
			}
			seen[commit.Hash] = true
			merged.Commits = append(merged.Commits, commit)
		}
		merged.TotalCount = page.TotalCount
		merged.HasMore = page.HasMore
		s.log = &merged
		s.logSig = merged.Signature()
		return true
	}

	sig := page.Signature()
	if s.log != nil && s.logSig == sig {
		return false
	}
	s.log = &page
	s.logSig = sig
	s.pruneCommitState()
	return true
}

// pruneCommitState drops cached details and file patches whose commits are
// no longer in the log.
func (s *scopeState) pruneCommitState() {
	live := map[string]bool{}
	for _, commit := range s.log.Commits {
		live[commit.Hash] = true
	}
	for hash := range s.commitDetails {
		if !live[hash] {
			delete(s.commitDetails, hash)
		}
	}
	for key := range s.commitFiles {
		hash, _, _ := cutCommitFileKey(key)
		if !live[hash] {
			delete(s.commitFiles, key)
		}
	}
}

func (c *Cache) Log(paneID, worktree string) (CommitLog, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.scope(paneID, worktree)
	if s.log == nil {
		return CommitLog{}, false
	}
	return *s.log, true
}

func (c *Cache) PutCommitDetail(paneID, worktree string, detail CommitDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scope(paneID, worktree).commitDetails[detail.Commit.Hash] = detail
}

func (c *Cache) CommitDetail(paneID, worktree, hash string) (CommitDetail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.scope(paneID, worktree).commitDetails[hash]
	return d, ok
}

func commitFileKey(hash, path string) string { return hash + ":" + path }

func cutCommitFileKey(key string) (hash, path string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}

func (c *Cache) PutCommitFile(paneID, worktree, hash string, file DiffFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scope(paneID, worktree).commitFiles[commitFileKey(hash, file.Path)] = file
}

func (c *Cache) CommitFile(paneID, worktree, hash, path string) (DiffFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.scope(paneID, worktree).commitFiles[commitFileKey(hash, path)]
	return f, ok
}

// Reset drops all cached state for a scope; called when the pane or
// worktree binding changes.
func (c *Cache) Reset(paneID, worktree string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopes, scopeKey{PaneID: paneID, Worktree: worktree})
}
