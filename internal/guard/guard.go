// Package guard serializes overlapping requests per logical scope: for any
// two overlapping calls in the same scope, only the latest-issued call may
// publish its outcome. Cancellation of superseded work is best-effort (the
// subprocess/http timeout takes care of it); the guard only promises that
// stale results are never observed.
package guard

import (
	"context"
	"sync"
)

type Guard struct {
	mu       sync.Mutex
	counter  uint64
	scopeKey string
}

func New() *Guard { return &Guard{} }

// Token captures the request counter and the scope key at launch time.
type Token struct {
	g     *Guard
	seq   uint64
	scope string
}

// SetScope switches the active scope key. Outcomes of requests issued under a
// previous scope are dropped even if their counter is still the latest.
func (g *Guard) SetScope(key string) {
	g.mu.Lock()
	g.scopeKey = key
	g.mu.Unlock()
}

// Scope returns the currently active scope key.
func (g *Guard) Scope() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scopeKey
}

// Begin atomically increments the request counter and captures the given
// scope as the active one.
func (g *Guard) Begin(scope string) Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	g.scopeKey = scope
	return Token{g: g, seq: g.counter, scope: scope}
}

// IsCurrent reports whether no later request has been issued and the scope
// key is unchanged since the token was created.
func (g *Guard) IsCurrent(t Token) bool {
	if t.g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counter == t.seq && g.scopeKey == t.scope
}

// Run executes run and delivers its outcome through onSuccess or onError only
// if the token is still current at completion time. onSettled always runs
// last, current or not, so callers can clear in-flight markers.
func Run[T any](
	ctx context.Context,
	g *Guard,
	scope string,
	run func(ctx context.Context) (T, error),
	onSuccess func(T),
	onError func(error),
	onSettled func(stale bool),
) {
	token := g.Begin(scope)
	value, err := run(ctx)
	current := g.IsCurrent(token)
	if current {
		if err != nil {
			if onError != nil {
				onError(err)
			}
		} else if onSuccess != nil {
			onSuccess(value)
		}
	}
	if onSettled != nil {
		onSettled(!current)
	}
}
