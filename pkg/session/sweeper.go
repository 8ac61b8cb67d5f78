package session

import (
	"context"
	"time"
)

// startSweeperLocked starts the sweeper if it is not running. Requires r.mu.
func (r *Registry) startSweeperLocked() {
	if r.sweeping || r.closed {
		return
	}
	r.sweeping = true
	r.sweepDone = make(chan struct{})
	go r.sweep(r.sweepCtx, r.sweepDone)
}

// sweep refreshes the blocklist when stale and evicts idle sessions, once
// per tick. It returns when the registry is empty; the next Create starts
// it again.
func (r *Registry) sweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	r.logger.Debugf("Sweeper started")
	defer r.logger.Debugf("Sweeper stopped")

	ticker := time.NewTicker(r.host.cfg.SweepTick)
	defer ticker.Stop()

	for {
		if r.blocklist != nil {
			_ = r.blocklist.RefreshIfStale(ctx)
		}
		r.evictIdle(ctx)

		r.mu.Lock()
		if len(r.sessions) == 0 || ctx.Err() != nil {
			r.sweeping = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.sweeping = false
			r.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

// evictIdle removes sessions untouched for longer than the idle timeout.
// It runs at most once per sweep interval.
func (r *Registry) evictIdle(ctx context.Context) {
	now := r.host.now()
	cfg := r.host.cfg

	r.mu.Lock()
	if now.Sub(r.lastEvict) < cfg.SweepInterval {
		r.mu.Unlock()
		return
	}
	r.lastEvict = now
	var idle []string
	for id, e := range r.sessions {
		if e.removed == nil && now.Sub(e.session.LastAccess()) > cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	for _, id := range idle {
		r.logger.Infof("[%s] Evicting idle session", id)
		if err := r.Remove(ctx, id); err != nil {
			r.logger.Warnf("[%s] Evict: %v", id, err)
		}
	}
}
