// Package tokensrc aggregates token usage from local agent transcript
// directories. Two JSONL shapes are supported: chat transcripts (one message
// record per line) and session event streams (turn_context + token_count
// events).
package tokensrc

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
	"github.com/janekbaraniewski/paneboard/internal/core"
)

const (
	DefaultCacheTTL = 60 * time.Second

	maxScannerBufferSize = 8 * 1024 * 1024
)

type Shape int

const (
	ShapeChat Shape = iota
	ShapeSession
)

type Source struct {
	Root     string
	Shape    Shape
	CacheTTL time.Duration
	Now      func() time.Time

	mu       sync.Mutex
	cached   []core.ModelUsage
	cachedAt time.Time
	dirty    bool
	watcher  *fsnotify.Watcher
}

func New(root string, shape Shape) *Source {
	s := &Source{
		Root:     root,
		Shape:    shape,
		CacheTTL: DefaultCacheTTL,
		Now:      time.Now,
	}
	s.startWatcher()
	return s
}

// startWatcher invalidates the cache on any change under the root. Watch
// failures are non-fatal; the TTL alone then bounds staleness.
func (s *Source) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if err := watcher.Add(s.Root); err != nil {
		watcher.Close()
		return
	}
	s.watcher = watcher
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.mu.Lock()
				s.dirty = true
				s.mu.Unlock()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (s *Source) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Usage returns per-model aggregates for today and the trailing 30 days.
// Results are cached in-process; the cache is refreshed past its TTL or when
// the watcher saw a change under the root.
func (s *Source) Usage() ([]core.ModelUsage, time.Time, error) {
	now := s.Now()

	s.mu.Lock()
	if s.cached != nil && !s.dirty && now.Sub(s.cachedAt) <= s.CacheTTL {
		cached, cachedAt := s.cached, s.cachedAt
		s.mu.Unlock()
		return cached, cachedAt, nil
	}
	s.mu.Unlock()

	usage, err := s.scan(now)
	if err != nil {
		return nil, time.Time{}, err
	}

	s.mu.Lock()
	s.cached = usage
	s.cachedAt = now
	s.dirty = false
	s.mu.Unlock()
	return usage, now, nil
}

type accumulator struct {
	today      map[string]core.TokenCounters
	last30     map[string]core.TokenCounters
	daily      map[string]map[string]core.TokenCounters // model -> date -> counters
	todayStart time.Time
	rangeStart time.Time
}

func newAccumulator(now time.Time) *accumulator {
	todayStart := now.UTC().Truncate(24 * time.Hour)
	return &accumulator{
		today:      map[string]core.TokenCounters{},
		last30:     map[string]core.TokenCounters{},
		daily:      map[string]map[string]core.TokenCounters{},
		todayStart: todayStart,
		rangeStart: todayStart.AddDate(0, 0, -29),
	}
}

func (a *accumulator) add(model string, ts time.Time, c core.TokenCounters) {
	model = strings.TrimSpace(model)
	if model == "" || c.IsZero() {
		return
	}
	ts = ts.UTC()
	if ts.Before(a.rangeStart) {
		return
	}
	c = c.WithTotal()

	a.last30[model] = a.last30[model].Add(c)
	if !ts.Before(a.todayStart) {
		a.today[model] = a.today[model].Add(c)
	}
	day := ts.Format("2006-01-02")
	if a.daily[model] == nil {
		a.daily[model] = map[string]core.TokenCounters{}
	}
	a.daily[model][day] = a.daily[model][day].Add(c)
}

func (a *accumulator) result() []core.ModelUsage {
	models := make([]string, 0, len(a.last30))
	for model := range a.last30 {
		models = append(models, model)
	}
	sort.Strings(models)

	var out []core.ModelUsage
	for _, model := range models {
		today, last30 := a.today[model], a.last30[model]
		if today.TotalTokens == 0 && last30.TotalTokens == 0 {
			continue
		}
		dates := make([]string, 0, len(a.daily[model]))
		for date := range a.daily[model] {
			dates = append(dates, date)
		}
		sort.Strings(dates)
		daily := make([]core.DailyUsage, 0, len(dates))
		for _, date := range dates {
			daily = append(daily, core.DailyUsage{Date: date, Counters: a.daily[model][date]})
		}
		out = append(out, core.ModelUsage{ModelID: model, Today: today, Last30Days: last30, Daily: daily})
	}
	return out
}

func (s *Source) scan(now time.Time) ([]core.ModelUsage, error) {
	realRoot, err := filepath.EvalSymlinks(s.Root)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeCostSourceUnavailable, err, "token source root unavailable")
	}

	acc := newAccumulator(now)
	seen := map[[2]string]bool{} // chat shape: (message.id, requestId)

	walkErr := filepath.WalkDir(realRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		// The realpath of every scanned file must stay inside the root.
		real, err := filepath.EvalSymlinks(path)
		if err != nil || !strings.HasPrefix(real, realRoot+string(filepath.Separator)) {
			return nil
		}
		s.scanFile(real, acc, seen)
		return nil
	})
	if walkErr != nil {
		return nil, apierr.Wrap(apierr.CodeCostSourceUnavailable, walkErr, "walking token source root")
	}
	return acc.result(), nil
}

func (s *Source) scanFile(path string, acc *accumulator, seen map[[2]string]bool) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), maxScannerBufferSize)

	switch s.Shape {
	case ShapeChat:
		scanChatLines(scanner, acc, seen)
	case ShapeSession:
		scanSessionLines(scanner, acc)
	}
}

type chatRecord struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
	Message   *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func scanChatLines(scanner *bufio.Scanner, acc *accumulator, seen map[[2]string]bool) {
	for scanner.Scan() {
		var rec chatRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // malformed lines are skipped
		}
		if rec.Message == nil || rec.Message.Usage == nil {
			continue
		}
		if rec.Message.ID != "" && rec.RequestID != "" {
			key := [2]string{rec.Message.ID, rec.RequestID}
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		ts, ok := parseTimestamp(rec.Timestamp)
		if !ok {
			continue
		}
		u := rec.Message.Usage
		acc.add(rec.Message.Model, ts, core.TokenCounters{
			InputTokens:              u.InputTokens,
			OutputTokens:             u.OutputTokens,
			CacheReadInputTokens:     u.CacheReadInputTokens,
			CacheCreationInputTokens: u.CacheCreationInputTokens,
		})
	}
}

type sessionEvent struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type sessionTokenUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
}

type sessionEventPayload struct {
	Type string `json:"type"`
	Info *struct {
		LastTokenUsage  *sessionTokenUsage `json:"last_token_usage"`
		TotalTokenUsage *sessionTokenUsage `json:"total_token_usage"`
	} `json:"info"`
	Model string `json:"model,omitempty"`
}

// scanSessionLines walks one session file's ordered events. turn_context
// updates the current model; token_count events contribute `last` usage when
// present, else the delta against the previous `total`.
func scanSessionLines(scanner *bufio.Scanner, acc *accumulator) {
	currentModel := ""
	var prevTotal *sessionTokenUsage

	for scanner.Scan() {
		var event sessionEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		switch event.Type {
		case "turn_context":
			var payload sessionEventPayload
			if json.Unmarshal(event.Payload, &payload) == nil && strings.TrimSpace(payload.Model) != "" {
				currentModel = payload.Model
			}
		case "event_msg":
			var payload sessionEventPayload
			if json.Unmarshal(event.Payload, &payload) != nil || payload.Type != "token_count" || payload.Info == nil {
				continue
			}
			delta := payload.Info.LastTokenUsage
			if delta == nil {
				total := payload.Info.TotalTokenUsage
				if total == nil {
					continue
				}
				if prevTotal != nil {
					// A restarted upstream counter can drop below the
					// previous total; negative components are clamped.
					d := sessionTokenUsage{
						InputTokens:       max(total.InputTokens-prevTotal.InputTokens, 0),
						CachedInputTokens: max(total.CachedInputTokens-prevTotal.CachedInputTokens, 0),
						OutputTokens:      max(total.OutputTokens-prevTotal.OutputTokens, 0),
						TotalTokens:       max(total.TotalTokens-prevTotal.TotalTokens, 0),
					}
					delta = &d
				} else {
					delta = total
				}
				prevTotal = total
			} else if payload.Info.TotalTokenUsage != nil {
				prevTotal = payload.Info.TotalTokenUsage
			}

			ts, ok := parseTimestamp(event.Timestamp)
			if !ok {
				continue
			}
			// In this shape the input counter already includes cache reads.
			cacheRead := delta.CachedInputTokens
			if cacheRead > delta.InputTokens {
				cacheRead = delta.InputTokens
			}
			acc.add(currentModel, ts, core.TokenCounters{
				InputTokens:          delta.InputTokens,
				OutputTokens:         delta.OutputTokens,
				CacheReadInputTokens: cacheRead,
				TotalTokens:          delta.TotalTokens,
			})
		}
	}
}

func parseTimestamp(value string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
