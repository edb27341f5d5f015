package usecase

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"parley/internal/domain"
)

// restartCoordinator debounces and rate-limits reconnection attempts. At
// most one timer is pending at a time: a new request reschedules it. When
// the timer fires while a start or another restart is still running, the
// attempt is deferred with capped exponential backoff instead of dropped.
// Failed restarts retry indefinitely while the session is wanted.
type restartCoordinator struct {
	log  zerolog.Logger
	run  func(reason domain.RestartReason) error
	busy func() bool

	mu        sync.Mutex
	timer     *time.Timer
	reason    domain.RestartReason
	executing bool
	stopped   bool
	bo        *backoff.ExponentialBackOff
}

func newRestartCoordinator(run func(domain.RestartReason) error, busy func() bool, maxDelay time.Duration, log zerolog.Logger) *restartCoordinator {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = maxDelay
	bo.MaxElapsedTime = 0 // retry forever
	bo.Reset()
	return &restartCoordinator{
		log:  log.With().Str("component", "restart").Logger(),
		run:  run,
		busy: busy,
		bo:   bo,
	}
}

// Schedule coalesces restart requests: any pending timer is rescheduled to
// the new delay rather than stacked.
func (c *restartCoordinator) Schedule(reason domain.RestartReason, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.reason = reason
	if c.timer != nil {
		c.timer.Stop()
	}
	c.log.Debug().Str("reason", string(reason)).Dur("delay", delay).Msg("restart scheduled")
	c.timer = time.AfterFunc(delay, c.fire)
}

func (c *restartCoordinator) fire() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	reason := c.reason
	if c.executing || c.busy() {
		// Another attempt is in flight; defer rather than drop.
		delay := c.bo.NextBackOff()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = time.AfterFunc(delay, c.fire)
		c.mu.Unlock()
		c.log.Debug().Str("reason", string(reason)).Dur("delay", delay).Msg("restart deferred, attempt in flight")
		return
	}
	c.executing = true
	c.timer = nil
	c.mu.Unlock()

	err := c.run(reason)

	c.mu.Lock()
	c.executing = false
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if err != nil {
		// Schedule may have armed a timer while run was executing;
		// reschedule it rather than stacking a second one.
		delay := c.bo.NextBackOff()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = time.AfterFunc(delay, c.fire)
		c.reason = domain.RestartRetry
		c.mu.Unlock()
		c.log.Warn().Err(err).Dur("delay", delay).Msg("restart failed, retrying")
		return
	}
	c.bo.Reset()
	c.mu.Unlock()
	c.log.Info().Str("reason", string(reason)).Msg("restart complete")
}

// Stop cancels any pending attempt. The coordinator stays stopped until
// Resume, so timers can never fire against a torn-down session.
func (c *restartCoordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Resume re-arms the coordinator for a newly wanted session.
func (c *restartCoordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	c.bo.Reset()
}
