package monitor

import (
	"sync"
	"time"
)

// Pacer adapts the block poll interval. It grows by a fixed factor while
// blocks are unavailable and shrinks by the same factor while they are,
// always staying within [lower, upper].
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	lower    time.Duration
	upper    time.Duration
	factor   float64
}

// NewPacer creates a pacer starting at initial, clamped to the bounds.
func NewPacer(initial, lower, upper time.Duration, factor float64) *Pacer {
	p := &Pacer{lower: lower, upper: upper, factor: factor}
	p.interval = p.clamp(float64(initial))
	return p
}

// Interval returns the current interval.
func (p *Pacer) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Slower multiplies the interval by the factor.
func (p *Pacer) Slower() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = p.clamp(float64(p.interval) * p.factor)
	return p.interval
}

// Faster divides the interval by the factor.
func (p *Pacer) Faster() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = p.clamp(float64(p.interval) / p.factor)
	return p.interval
}

func (p *Pacer) clamp(d float64) time.Duration {
	if d < float64(p.lower) {
		return p.lower
	}
	if d > float64(p.upper) {
		return p.upper
	}
	return time.Duration(d)
}
