package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor is the stale-lock watchdog: a last-resort backstop behind the
// controller's own stream timeouts, catching turns whose timers never fired
// (a suspended process, a stalled runtime). It checks on a fixed interval
// and on demand whenever the application regains foreground visibility.
type Monitor struct {
	controller *Controller
	interval   time.Duration
	threshold  time.Duration
	log        zerolog.Logger

	once sync.Once
	stop chan struct{}
}

func NewMonitor(c *Controller, logger zerolog.Logger) *Monitor {
	interval := c.cfg.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		controller: c,
		interval:   interval,
		threshold:  c.cfg.StaleThreshold,
		log:        logger,
		stop:       make(chan struct{}),
	}
}

// Start runs the periodic check until Stop is called.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckNow()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// CheckNow re-checks immediately; callers hook this to foreground
// visibility changes. Returns true when a stale turn was recovered.
func (m *Monitor) CheckNow() bool {
	if !m.controller.ForceUnlockIfStale(m.threshold) {
		return false
	}
	m.log.Warn().
		Dur("threshold", m.threshold).
		Msg("recovered stale in-flight turn")
	return true
}
