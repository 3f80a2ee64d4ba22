package services

import (
	"sync"
	"time"

	"auction-engine/internal/domain"
)

// SessionClock turns the session schedule into clock commands. It never
// touches session state itself; every firing goes through the worker inbox.
type SessionClock struct {
	interval   time.Duration
	submit     func(cmd domain.Command)
	tick       func()
	startTimer *time.Timer
	endTimer   *time.Timer
	tickStop   chan struct{}
	stopped    bool
	mutex      sync.Mutex
}

func NewSessionClock(interval time.Duration, submit func(cmd domain.Command), tick func()) *SessionClock {
	return &SessionClock{
		interval: interval,
		submit:   submit,
		tick:     tick,
	}
}

// Sync arms or disarms timers to match the session status.
func (c *SessionClock) Sync(snap *domain.Snapshot) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.stopped {
		return
	}

	switch snap.Status {
	case domain.SessionDraft:
	case domain.SessionVerified:
		if c.startTimer == nil {
			c.startTimer = time.AfterFunc(time.Until(snap.ScheduledStart), func() {
				c.submit(domain.Command{Type: domain.CommandClockStart})
			})
		}
	case domain.SessionLive:
		if c.endTimer == nil {
			c.endTimer = time.AfterFunc(time.Until(snap.ScheduledEnd), func() {
				c.submit(domain.Command{Type: domain.CommandClockEnd})
			})
		}
		if c.tickStop == nil && c.interval > 0 {
			c.tickStop = make(chan struct{})
			go c.runTicker(c.tickStop)
		}
	case domain.SessionEnded, domain.SessionCancelled:
		c.stopLocked()
	}
}

func (c *SessionClock) Stop() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stopLocked()
}

func (c *SessionClock) stopLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	if c.startTimer != nil {
		c.startTimer.Stop()
	}
	if c.endTimer != nil {
		c.endTimer.Stop()
	}
	if c.tickStop != nil {
		close(c.tickStop)
	}
}

func (c *SessionClock) runTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-stop:
			return
		}
	}
}
