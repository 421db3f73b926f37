package platform

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// pacer spaces consecutive requests of one client at least interval apart.
// A zero interval disables it.
type pacer struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{interval: interval}
}

// wait blocks until the next request may go out or ctx ends.
func (p *pacer) wait(ctx context.Context) error {
	if p == nil || p.interval <= 0 {
		return nil
	}
	p.mu.Lock()
	now := time.Now()
	next := p.lastCall.Add(p.interval)
	if p.lastCall.IsZero() || !now.Before(next) {
		p.lastCall = now
		p.mu.Unlock()
		return nil
	}
	// Reserve the slot before sleeping so concurrent callers queue up.
	p.lastCall = next
	p.mu.Unlock()

	d := next.Sub(now)
	log.Debug().Dur("sleep", d).Msg("pacing platform request")
	return sleep(ctx, d)
}
