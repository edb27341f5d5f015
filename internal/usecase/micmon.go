package usecase

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"

	"parley/internal/domain"
	"parley/internal/ports"
)

// micMonitorConfig tunes the silent-failure detection windows.
type micMonitorConfig struct {
	PollInterval time.Duration // liveness poll period
	StallAfter   time.Duration // data gap treated as a mute
	MuteDebounce time.Duration // how long a mute must persist before restarting
	DeadAfter    time.Duration // data gap treated as a dead, non-live source
	EndedDelay   time.Duration // restart delay once the source has ended
}

func (c micMonitorConfig) withDefaults() micMonitorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 400 * time.Millisecond
	}
	if c.MuteDebounce <= 0 {
		c.MuteDebounce = 650 * time.Millisecond
	}
	if c.DeadAfter <= 0 {
		c.DeadAfter = 5 * time.Second
	}
	if c.EndedDelay <= 0 {
		c.EndedDelay = 300 * time.Millisecond
	}
	return c
}

// micMonitor watches the local audio source for silent failure modes:
// source ended (restart with a short delay), data stall that persists past
// the mute debounce window (brief stalls are normal and cancel the pending
// restart when flow resumes), and a prolonged gap meaning the source is no
// longer live. The monitor belongs to exactly one session generation and is
// closed when that session is torn down; a closed monitor never fires.
type micMonitor struct {
	log     zerolog.Logger
	audio   ports.AudioSession
	restart func(reason domain.RestartReason, delay time.Duration)
	cfg     micMonitorConfig

	debounced func(func())

	mu          sync.Mutex
	mutePending bool
	fired       bool

	done      chan struct{}
	closeOnce sync.Once
}

func newMicMonitor(
	audio ports.AudioSession,
	restart func(domain.RestartReason, time.Duration),
	cfg micMonitorConfig,
	log zerolog.Logger,
) *micMonitor {
	cfg = cfg.withDefaults()
	m := &micMonitor{
		log:       log.With().Str("component", "micmon").Logger(),
		audio:     audio,
		restart:   restart,
		cfg:       cfg,
		debounced: debounce.New(cfg.MuteDebounce),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *micMonitor) run() {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *micMonitor) check() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fired {
		return
	}

	if !m.audio.Alive() {
		m.fireLocked(domain.RestartMicEnded, m.cfg.EndedDelay)
		return
	}

	gap := time.Since(m.audio.LastData())
	switch {
	case gap >= m.cfg.DeadAfter:
		m.fireLocked(domain.RestartMicNotLive, 0)
	case gap >= m.cfg.StallAfter:
		if !m.mutePending {
			m.mutePending = true
			m.debounced(m.muteFire)
		}
	default:
		// Flow resumed; cancel any pending mute-triggered restart.
		m.mutePending = false
	}
}

// muteFire runs after the debounce window. It re-checks both the pending
// flag and the stall itself so a mic that recovered in the meantime does
// not trigger a restart.
func (m *micMonitor) muteFire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fired || !m.mutePending {
		return
	}
	select {
	case <-m.done:
		return
	default:
	}
	if time.Since(m.audio.LastData()) < m.cfg.StallAfter {
		m.mutePending = false
		return
	}
	m.fireLocked(domain.RestartMicMuted, 0)
}

func (m *micMonitor) fireLocked(reason domain.RestartReason, delay time.Duration) {
	m.fired = true
	m.log.Warn().Str("reason", string(reason)).Msg("mic health restart")
	m.restart(reason, delay)
}

// Close detaches the monitor. Safe to call more than once.
func (m *micMonitor) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.fired = true
		m.mu.Unlock()
	})
}
