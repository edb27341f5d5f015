package usecase

import (
	"context"
	"io"
	"sync"
	"time"

	"parley/internal/domain"
	"parley/internal/ports"
)

type fakeSink struct {
	mu           sync.Mutex
	states       []domain.SessionState
	reasons      []domain.SessionStateReason
	transcripts  [][]domain.TranscriptEntry
	participants [][]domain.Participant
	errs         []domain.ErrorCode
}

func (s *fakeSink) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	s.reasons = append(s.reasons, reason)
}

func (s *fakeSink) TranscriptUpdated(entries []domain.TranscriptEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, entries)
}

func (s *fakeSink) ParticipantsUpdated(participants []domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = append(s.participants, participants)
}

func (s *fakeSink) SessionError(code domain.ErrorCode, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, code)
}

func (s *fakeSink) sawState(want domain.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.states {
		if got == want {
			return true
		}
	}
	return false
}

func (s *fakeSink) lastTranscript() []domain.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transcripts) == 0 {
		return nil
	}
	return s.transcripts[len(s.transcripts)-1]
}

type fakeAudio struct {
	mu       sync.Mutex
	alive    bool
	lastData time.Time
	stopped  bool

	done chan struct{}
	once sync.Once
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{alive: true, lastData: time.Now(), done: make(chan struct{})}
}

func (a *fakeAudio) Read(p []byte) (int, error) {
	<-a.done
	return 0, io.EOF
}

func (a *fakeAudio) Close() error { return a.Stop() }

func (a *fakeAudio) Stop() error {
	a.once.Do(func() { close(a.done) })
	a.mu.Lock()
	a.alive = false
	a.stopped = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAudio) Alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

func (a *fakeAudio) LastData() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastData
}

func (a *fakeAudio) setAlive(alive bool) {
	a.mu.Lock()
	a.alive = alive
	a.mu.Unlock()
}

func (a *fakeAudio) setLastData(t time.Time) {
	a.mu.Lock()
	a.lastData = t
	a.mu.Unlock()
}

func (a *fakeAudio) wasStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

type fakeMinter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *fakeMinter) Mint(ctx context.Context, req ports.MintRequest) (domain.Credential, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return domain.Credential{}, err
	}
	return domain.Credential{ClientSecret: "ek_test", Model: "test-model", ExpiresAt: time.Now().Add(time.Minute)}, nil
}

type fakeCapture struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeAudio
}

func (c *fakeCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	audio := newFakeAudio()
	c.sessions = append(c.sessions, audio)
	return audio, nil
}

func (c *fakeCapture) session(i int) *fakeAudio {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.sessions) {
		return nil
	}
	return c.sessions[i]
}

type fakeTransportSession struct {
	messages chan []byte
	states   chan ports.TransportState

	mu     sync.Mutex
	sent   [][]byte
	closed bool

	closeOnce sync.Once
}

func newFakeTransportSession() *fakeTransportSession {
	return &fakeTransportSession{
		messages: make(chan []byte, 64),
		states:   make(chan ports.TransportState, 8),
	}
}

func (s *fakeTransportSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), payload...))
	return nil
}

func (s *fakeTransportSession) Messages() <-chan []byte             { return s.messages }
func (s *fakeTransportSession) States() <-chan ports.TransportState { return s.states }

func (s *fakeTransportSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.messages)
		close(s.states)
	})
	return nil
}

func (s *fakeTransportSession) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeTransport struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeTransportSession
}

func (t *fakeTransport) AudioProfile(cfg ports.AudioConfig) ports.AudioConfig {
	cfg.Codec = "pcm16"
	return cfg
}

func (t *fakeTransport) Connect(ctx context.Context, cred domain.Credential, audio ports.AudioSession, opts ports.ConnectOptions) (ports.TransportSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	session := newFakeTransportSession()
	t.sessions = append(t.sessions, session)
	return session, nil
}

func (t *fakeTransport) connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *fakeTransport) session(i int) *fakeTransportSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.sessions) {
		return nil
	}
	return t.sessions[i]
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(deadline time.Duration, cond func() bool) bool {
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
