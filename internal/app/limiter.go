package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per user for write requests.
type limiterPool struct {
	mu            sync.Mutex
	m             map[string]*limiterEntry
	rps           float64
	burst         int
	startCleanup  sync.Once
	ttl           time.Duration
	cleanupPeriod time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		m:             make(map[string]*limiterEntry),
		rps:           rps,
		burst:         burst,
		ttl:           10 * time.Minute,
		cleanupPeriod: time.Minute,
		stopCh:        make(chan struct{}),
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() {
		go p.cleanupLoop()
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = time.Now()
		return e.l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: time.Now()}
	return l
}

// Allow reports whether key may make another write now. A non-positive rate
// disables limiting.
func (p *limiterPool) Allow(key string) bool {
	if p.rps <= 0 {
		return true
	}
	return p.get(key).Allow()
}

func (p *limiterPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// cleanupLoop removes limiters unused for longer than ttl.
func (p *limiterPool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-p.ttl)
			p.mu.Lock()
			for k, e := range p.m {
				if e.lastSeen.Before(cutoff) {
					delete(p.m, k)
				}
			}
			p.mu.Unlock()
		case <-p.stopCh:
			return
		}
	}
}
