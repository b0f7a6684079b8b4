// Package sched drives visibility-gated background polling. Usage
// dashboards are demand-driven and have no poller; git and screen state do.
package sched

import (
	"context"
	"sync"
	"time"
)

const (
	// GitInterval paces diff and commit-log polling.
	GitInterval = 10 * time.Second
	// ScreenTextInterval and ScreenImageInterval pace screen capture.
	ScreenTextInterval  = 1 * time.Second
	ScreenImageInterval = 2 * time.Second
)

// Poller runs Tick on a fixed interval while the owning client is connected
// and its document is visible. A visibility resume triggers an immediate
// tick rather than waiting out the interval.
type Poller struct {
	Interval time.Duration
	Tick     func(ctx context.Context)

	mu        sync.Mutex
	visible   bool
	connected bool
	kick      chan struct{}
}

func NewPoller(interval time.Duration, tick func(ctx context.Context)) *Poller {
	return &Poller{
		Interval:  interval,
		Tick:      tick,
		visible:   true,
		connected: true,
		kick:      make(chan struct{}, 1),
	}
}

// Active reports whether ticks currently run.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible && p.connected
}

// SetVisible records document visibility. Becoming visible kicks an
// immediate tick.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	resumed := visible && !p.visible
	p.visible = visible
	p.mu.Unlock()
	if resumed {
		p.kickNow()
	}
}

func (p *Poller) SetConnected(connected bool) {
	p.mu.Lock()
	resumed := connected && !p.connected
	p.connected = connected
	p.mu.Unlock()
	if resumed {
		p.kickNow()
	}
}

func (p *Poller) kickNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		if p.Active() {
			p.Tick(ctx)
		}
	}
}
