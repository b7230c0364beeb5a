// Package rotator periodically reselects the current upstream.
package rotator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drsoft-oss/rotaproxy/internal/pool"
)

// Rotator swaps the pool's current upstream on a fixed schedule. It never
// touches the listening endpoint; in-flight requests keep the upstream they
// captured at dispatch time.
type Rotator struct {
	pool     *pool.Pool
	interval time.Duration
	logger   zerolog.Logger

	// OnRotate, when set before Start, is invoked after every reselection
	// with the new current upstream. Must not block.
	OnRotate func(cur *pool.Upstream)

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Rotator with a fixed rotation period.
func New(p *pool.Pool, interval time.Duration) *Rotator {
	return &Rotator{
		pool:     p,
		interval: interval,
		logger:   log.With().Str("component", "rotator").Logger(),
		stop:     make(chan struct{}),
	}
}

// Start launches the rotation goroutine.
func (r *Rotator) Start() {
	r.wg.Add(1)
	go r.loop()
	r.logger.Info().Dur("interval", r.interval).Msg("rotation started")
}

// Stop shuts the rotation goroutine down before its next tick.
func (r *Rotator) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Rotator) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Rotate()
		case <-r.stop:
			return
		}
	}
}

// Rotate performs one reselection immediately.
func (r *Rotator) Rotate() {
	prev := r.pool.Current()
	r.pool.ReseedCurrent()
	cur := r.pool.Current()
	if cur == nil {
		return
	}
	if prev == nil || prev.Key() != cur.Key() {
		r.logger.Info().Str("upstream", cur.String()).Msg("upstream changed")
	} else {
		r.logger.Debug().Str("upstream", cur.String()).Msg("upstream reselected")
	}
	if r.OnRotate != nil {
		r.OnRotate(cur)
	}
}
