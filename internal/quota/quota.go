// Package quota enforces the anonymous daily message limit. Each key gets a
// day-scoped counter plus a small token-bucket limiter so a burst cannot
// drain the whole daily allowance in one go.
package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	day     string
	used    int
	limiter *rate.Limiter
}

type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	dailyLimit int
	burstRPS   float64
	burst      int
	now        func() time.Time
}

func New(dailyLimit int) *Limiter {
	return &Limiter{
		entries:    make(map[string]*entry),
		dailyLimit: dailyLimit,
		burstRPS:   1,
		burst:      5,
		now:        time.Now,
	}
}

func (l *Limiter) get(key string) *entry {
	today := l.now().UTC().Format("2006-01-02")
	e, ok := l.entries[key]
	if !ok {
		e = &entry{day: today, limiter: rate.NewLimiter(rate.Limit(l.burstRPS), l.burst)}
		l.entries[key] = e
	}
	if e.day != today {
		e.day = today
		e.used = 0
	}
	return e
}

// Check reports whether key may send another message today and how many
// remain. It does not consume quota; callers Increment after admission.
func (l *Limiter) Check(key string) (allowed bool, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.get(key)
	remaining = l.dailyLimit - e.used
	if remaining <= 0 {
		return false, 0
	}
	if !e.limiter.Allow() {
		return false, remaining
	}
	return true, remaining
}

func (l *Limiter) Increment(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.get(key).used++
}
