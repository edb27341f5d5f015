package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parley/internal/domain"
	"parley/internal/glossary"
	"parley/internal/ports"
	"parley/internal/transcript"
)

var (
	ErrNoActiveSession = errors.New("no active realtime session")

	// ErrSuperseded marks a start attempt invalidated by a newer start or
	// stop. It is internal bookkeeping, never surfaced to the UI.
	ErrSuperseded = errors.New("session attempt superseded")
)

// Config controls session behavior and restart timing.
type Config struct {
	Audio              ports.AudioConfig
	Voice              string
	TranscriptionModel string

	FailedDelay     time.Duration // transport failed/closed
	DisconnectDelay time.Duration // transport disconnected (may self-recover)
	MaxRestartDelay time.Duration // backoff cap
	TeardownWait    time.Duration

	// Mic health windows; zero values take the monitor defaults.
	MicPollInterval time.Duration
	MicStallAfter   time.Duration
	MicMuteDebounce time.Duration
	MicDeadAfter    time.Duration
	MicEndedDelay   time.Duration
}

func (c Config) mic() micMonitorConfig {
	return micMonitorConfig{
		PollInterval: c.MicPollInterval,
		StallAfter:   c.MicStallAfter,
		MuteDebounce: c.MicMuteDebounce,
		DeadAfter:    c.MicDeadAfter,
		EndedDelay:   c.MicEndedDelay,
	}
}

func (c Config) withDefaults() Config {
	if c.FailedDelay <= 0 {
		c.FailedDelay = 300 * time.Millisecond
	}
	if c.DisconnectDelay <= 0 {
		c.DisconnectDelay = 2 * time.Second
	}
	if c.MaxRestartDelay <= 0 {
		c.MaxRestartDelay = 30 * time.Second
	}
	if c.TeardownWait <= 0 {
		c.TeardownWait = 3 * time.Second
	}
	return c
}

// StartOptions are the caller-supplied session preferences, kept for
// restarts so a self-healed session behaves like the one it replaces.
type StartOptions struct {
	Model            string
	Voice            string
	Instructions     string
	SpeechEnabled    bool
	TurnDelaySeconds float64
}

// SessionController owns the realtime session lifecycle: token minting,
// mic acquisition, transport negotiation, and self-healing restarts. Every
// start attempt captures a generation token; resuming after any await
// re-checks the generation and releases acquired resources if a newer
// start or a stop superseded the attempt.
type SessionController struct {
	minter    ports.TokenMinter
	capture   ports.AudioCapture
	transport ports.RealtimeTransport
	events    ports.EventSink
	terms     *glossary.Engine
	log       zerolog.Logger
	cfg       Config

	entries  *transcript.Log
	registry *participantRegistry

	mu       sync.Mutex
	gen      uint64
	current  *activeSession
	wanted   bool
	attempts int
	lastOpts StartOptions

	restarter *restartCoordinator
}

func NewSessionController(
	minter ports.TokenMinter,
	capture ports.AudioCapture,
	transport ports.RealtimeTransport,
	terms *glossary.Engine,
	events ports.EventSink,
	cfg Config,
	log zerolog.Logger,
) *SessionController {
	c := &SessionController{
		minter:    minter,
		capture:   capture,
		transport: transport,
		events:    events,
		terms:     terms,
		log:       log.With().Str("component", "session").Logger(),
		cfg:       cfg.withDefaults(),
		entries:   transcript.NewLog(),
		registry:  newParticipantRegistry(),
	}
	c.restarter = newRestartCoordinator(c.performRestart, c.busy, c.cfg.MaxRestartDelay, log)
	return c
}

// Start establishes a new session. Any session or in-flight attempt is
// superseded first: its generation goes stale and it releases everything it
// acquired at its next await boundary.
func (c *SessionController) Start(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	c.wanted = true
	c.lastOpts = opts
	c.mu.Unlock()

	c.restarter.Resume()

	gen, err := c.attempt(ctx, opts)
	if err != nil && !errors.Is(err, ErrSuperseded) {
		c.mu.Lock()
		superseded := gen != c.gen
		if !superseded {
			c.wanted = false
		}
		c.mu.Unlock()
		if superseded {
			// A newer start owns the session now; this failure is stale
			// and must not disturb it.
			c.log.Debug().Err(err).Uint64("generation", gen).Msg("superseded start attempt failed late")
			return nil
		}
		// A fatal start failure leaves the session unwanted; connecting
		// again is the caller's decision.
		c.restarter.Stop()
		c.events.SessionStateChanged(domain.SessionStateError, domain.SessionReasonConnectFailed)
		return err
	}
	return nil
}

// Stop tears down the active session unconditionally. Always safe to call,
// including when idle; in-flight starts are invalidated via the generation.
func (c *SessionController) Stop() {
	c.mu.Lock()
	c.gen++
	c.wanted = false
	prev := c.current
	c.current = nil
	c.mu.Unlock()

	c.restarter.Stop()
	if prev != nil {
		c.teardown(prev)
	}
	c.events.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonStopped)
}

// attempt runs one full connection sequence under a fresh generation,
// which is returned so callers can tell whether a failure is still the
// current word on the session.
func (c *SessionController) attempt(ctx context.Context, opts StartOptions) (gen uint64, err error) {
	c.mu.Lock()
	c.gen++
	gen = c.gen
	prev := c.current
	c.current = nil
	c.attempts++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.attempts--
		c.mu.Unlock()
	}()

	if prev != nil {
		c.teardown(prev)
	}

	c.events.SessionStateChanged(domain.SessionStateConnecting, domain.SessionReasonConnecting)

	cred, err := c.minter.Mint(ctx, ports.MintRequest{
		Model:        opts.Model,
		Voice:        opts.Voice,
		Instructions: opts.Instructions,
	})
	if err != nil {
		return gen, &domain.SessionCreationError{Err: err}
	}
	if !c.isCurrent(gen) {
		return gen, ErrSuperseded
	}

	profile := c.transport.AudioProfile(c.cfg.Audio)
	audio, err := c.capture.Start(ctx, profile)
	if err != nil {
		return gen, &domain.MediaAccessError{Err: err}
	}
	if !c.isCurrent(gen) {
		_ = audio.Stop()
		return gen, ErrSuperseded
	}

	sess, err := c.transport.Connect(ctx, cred, audio, ports.ConnectOptions{
		Audio:         profile,
		SpeechEnabled: opts.SpeechEnabled,
	})
	if err != nil {
		_ = audio.Stop()
		return gen, fmt.Errorf("transport connect: %w", err)
	}
	if !c.isCurrent(gen) {
		_ = sess.Close()
		_ = audio.Stop()
		return gen, ErrSuperseded
	}

	router := newEventRouter(c.entries, c.registry, c.events, c.terms, c.settings(opts), sess.Send, c.log)
	active := &activeSession{
		gen:          gen,
		audio:        audio,
		transport:    sess,
		router:       router,
		messagesDone: make(chan struct{}),
		statesDone:   make(chan struct{}),
	}
	active.monitor = newMicMonitor(audio, func(reason domain.RestartReason, delay time.Duration) {
		c.requestRestart(gen, reason, delay)
	}, c.cfg.mic(), c.log)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		active.monitor.Close()
		_ = sess.Close()
		_ = audio.Stop()
		return gen, ErrSuperseded
	}
	c.current = active
	c.mu.Unlock()

	go c.consumeMessages(active)
	go c.consumeStates(active)

	c.events.SessionStateChanged(domain.SessionStateLive, domain.SessionReasonConnected)
	c.log.Info().Uint64("generation", gen).Str("model", cred.Model).Msg("session live")
	return gen, nil
}

func (c *SessionController) consumeMessages(active *activeSession) {
	defer close(active.messagesDone)
	for payload := range active.transport.Messages() {
		active.router.Handle(payload)
	}
}

func (c *SessionController) consumeStates(active *activeSession) {
	defer close(active.statesDone)
	for state := range active.transport.States() {
		switch state {
		case ports.TransportFailed:
			c.requestRestart(active.gen, domain.RestartTransportFailed, c.cfg.FailedDelay)
		case ports.TransportClosed:
			c.requestRestart(active.gen, domain.RestartTransportClosed, c.cfg.FailedDelay)
		case ports.TransportDisconnected:
			// Disconnected can self-recover, so give it longer.
			c.requestRestart(active.gen, domain.RestartDisconnected, c.cfg.DisconnectDelay)
		case ports.TransportRemoteTrackRemoved:
			c.requestRestart(active.gen, domain.RestartRemoteTrackRemoved, c.cfg.FailedDelay)
		}
	}
}

// requestRestart schedules a restart only if the triggering generation is
// still current, so signals from a torn-down session are inert.
func (c *SessionController) requestRestart(gen uint64, reason domain.RestartReason, delay time.Duration) {
	c.mu.Lock()
	stale := gen != c.gen || !c.wanted
	c.mu.Unlock()
	if stale {
		return
	}
	c.events.SessionStateChanged(domain.SessionStateRestarting, domain.SessionReasonRestartScheduled)
	c.restarter.Schedule(reason, delay)
}

// performRestart is the restart coordinator's work function: a full
// stop-then-start with the last known options. Failures are returned for
// backoff, never surfaced to the UI.
func (c *SessionController) performRestart(reason domain.RestartReason) error {
	c.mu.Lock()
	wanted := c.wanted
	opts := c.lastOpts
	c.mu.Unlock()
	if !wanted {
		return nil
	}
	c.log.Info().Str("reason", string(reason)).Msg("restarting session")
	_, err := c.attempt(context.Background(), opts)
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	return err
}

func (c *SessionController) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts > 0
}

func (c *SessionController) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// teardown releases every resource of a session and waits briefly for its
// goroutines to drain, so no listener outlives its session.
func (c *SessionController) teardown(active *activeSession) {
	active.monitor.Close()
	_ = active.transport.Close()
	_ = active.audio.Stop()

	timeout := time.After(c.cfg.TeardownWait)
	for _, done := range []<-chan struct{}{active.messagesDone, active.statesDone} {
		select {
		case <-done:
		case <-timeout:
			c.log.Warn().Uint64("generation", active.gen).Msg("teardown drain timeout")
			return
		}
	}
}

// Restart forces a reconnect of a wanted session, for the UI's manual
// reconnect control. A no-op while idle.
func (c *SessionController) Restart() {
	c.externalRestart(domain.RestartManual, 0)
}

// ResumedFromSuspend reconnects after the host OS restored the process.
func (c *SessionController) ResumedFromSuspend() {
	c.externalRestart(domain.RestartResumedFromSuspend, c.cfg.FailedDelay)
}

// VisibilityRegained reconnects when focus returns and the mic is not live.
func (c *SessionController) VisibilityRegained() {
	c.mu.Lock()
	active := c.current
	c.mu.Unlock()
	if active != nil && active.audio.Alive() {
		return
	}
	c.externalRestart(domain.RestartVisibilityRegained, c.cfg.FailedDelay)
}

func (c *SessionController) externalRestart(reason domain.RestartReason, delay time.Duration) {
	c.mu.Lock()
	wanted := c.wanted
	c.mu.Unlock()
	if !wanted {
		return
	}
	c.events.SessionStateChanged(domain.SessionStateRestarting, domain.SessionReasonRestartScheduled)
	c.restarter.Schedule(reason, delay)
}

// SendText injects a typed user turn into the live conversation.
func (c *SessionController) SendText(text string) error {
	c.mu.Lock()
	active := c.current
	c.mu.Unlock()
	if active == nil {
		return ErrNoActiveSession
	}
	return active.router.SendUserText(text)
}

// UpdateSettings pushes changed preferences to the live session and keeps
// them for future restarts.
func (c *SessionController) UpdateSettings(opts StartOptions) error {
	c.mu.Lock()
	c.lastOpts = opts
	active := c.current
	c.mu.Unlock()
	if active == nil {
		return nil
	}
	return active.router.UpdateSettings(c.settings(opts))
}

// Snapshot returns the current read-only view for the UI.
func (c *SessionController) Snapshot() domain.Snapshot {
	return domain.Snapshot{
		State:        c.state(),
		Entries:      c.entries.Entries(),
		Participants: c.registry.Snapshot(),
	}
}

// Status returns the current backend status.
func (c *SessionController) Status() domain.Status {
	state := c.state()
	return domain.Status{State: state, Active: state != domain.SessionStateIdle}
}

func (c *SessionController) state() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.current != nil:
		return domain.SessionStateLive
	case c.attempts > 0:
		return domain.SessionStateConnecting
	case c.wanted:
		return domain.SessionStateRestarting
	default:
		return domain.SessionStateIdle
	}
}

func (c *SessionController) settings(opts StartOptions) SessionSettings {
	voice := opts.Voice
	if voice == "" {
		voice = c.cfg.Voice
	}
	silenceMs := int(math.Round(opts.TurnDelaySeconds * 1000))
	if silenceMs <= 0 {
		silenceMs = 200
	}
	return SessionSettings{
		Voice:              voice,
		Instructions:       opts.Instructions,
		TranscriptionModel: c.cfg.TranscriptionModel,
		SpeechEnabled:      opts.SpeechEnabled,
		TurnSilenceMs:      silenceMs,
	}
}
