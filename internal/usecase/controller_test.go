package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"parley/internal/domain"
	"parley/internal/ports"
)

func testConfig() Config {
	return Config{
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
		FailedDelay:        10 * time.Millisecond,
		DisconnectDelay:    10 * time.Millisecond,
		MaxRestartDelay:    200 * time.Millisecond,
		TeardownWait:       time.Second,
		// Generous windows so mic health never interferes with these tests.
		MicPollInterval: time.Hour,
		MicStallAfter:   time.Hour,
		MicMuteDebounce: time.Hour,
		MicDeadAfter:    time.Hour,
		MicEndedDelay:   time.Millisecond,
	}
}

type controllerFixture struct {
	controller *SessionController
	minter     *fakeMinter
	capture    *fakeCapture
	transport  *fakeTransport
	sink       *fakeSink
}

func newControllerFixture(t *testing.T) *controllerFixture {
	return newControllerFixtureWithConfig(t, testConfig())
}

func newControllerFixtureWithConfig(t *testing.T, cfg Config) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		minter:    &fakeMinter{},
		capture:   &fakeCapture{},
		transport: &fakeTransport{},
		sink:      &fakeSink{},
	}
	f.controller = NewSessionController(f.minter, f.capture, f.transport, nil, f.sink, cfg, zerolog.Nop())
	t.Cleanup(f.controller.Stop)
	return f
}

func (f *controllerFixture) start(t *testing.T) {
	t.Helper()
	if err := f.controller.Start(context.Background(), StartOptions{SpeechEnabled: true, TurnDelaySeconds: 0.8}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func TestControllerStartAndStop(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	if !f.sink.sawState(domain.SessionStateConnecting) || !f.sink.sawState(domain.SessionStateLive) {
		t.Fatalf("missing lifecycle states: %v", f.sink.states)
	}
	if got := f.controller.Status(); !got.Active || got.State != domain.SessionStateLive {
		t.Fatalf("unexpected status: %+v", got)
	}

	f.controller.Stop()

	if !f.capture.session(0).wasStopped() {
		t.Fatalf("audio session not released on stop")
	}
	if !f.transport.session(0).wasClosed() {
		t.Fatalf("transport session not closed on stop")
	}
	if got := f.controller.Status(); got.Active || got.State != domain.SessionStateIdle {
		t.Fatalf("unexpected status after stop: %+v", got)
	}

	// Stop is always safe, also when already idle.
	f.controller.Stop()
}

func TestControllerSecondStartSupersedesFirst(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)
	f.start(t)

	if got := f.transport.connects(); got != 2 {
		t.Fatalf("expected two transport sessions, got %d", got)
	}
	if !f.transport.session(0).wasClosed() {
		t.Fatalf("first transport session not closed")
	}
	if !f.capture.session(0).wasStopped() {
		t.Fatalf("first audio session not released")
	}
	if f.transport.session(1).wasClosed() {
		t.Fatalf("second transport session should be live")
	}
	if f.capture.session(1).wasStopped() {
		t.Fatalf("second audio session should be live")
	}
}

// gatedMinter blocks its first call until released, then fails it.
// Later calls succeed immediately.
type gatedMinter struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func newGatedMinter() *gatedMinter {
	return &gatedMinter{release: make(chan struct{})}
}

func (m *gatedMinter) Mint(ctx context.Context, req ports.MintRequest) (domain.Credential, error) {
	m.mu.Lock()
	m.calls++
	first := m.calls == 1
	m.mu.Unlock()
	if first {
		<-m.release
		return domain.Credential{}, errors.New("token service rejected the request")
	}
	return domain.Credential{ClientSecret: "ek_test", Model: "test-model", ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (m *gatedMinter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestControllerStaleStartFailureStaysQuiet(t *testing.T) {
	t.Parallel()

	minter := newGatedMinter()
	capture := &fakeCapture{}
	transport := &fakeTransport{}
	sink := &fakeSink{}
	controller := NewSessionController(minter, capture, transport, nil, sink, testConfig(), zerolog.Nop())
	t.Cleanup(controller.Stop)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- controller.Start(context.Background(), StartOptions{})
	}()
	if !waitFor(2*time.Second, func() bool { return minter.count() == 1 }) {
		t.Fatalf("first start never reached the minter")
	}

	// The second start supersedes the first while it is still awaiting
	// its token, and goes live.
	if err := controller.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	close(minter.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("superseded start surfaced its late failure: %v", err)
	}
	if sink.sawState(domain.SessionStateError) {
		t.Fatalf("stale failure reached the UI: %v", sink.states)
	}
	if got := controller.Status(); got.State != domain.SessionStateLive {
		t.Fatalf("live session disturbed by stale failure: %+v", got)
	}
}

func TestControllerStartMintFailure(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.minter.err = errors.New("quota exhausted")

	err := f.controller.Start(context.Background(), StartOptions{})
	var creationErr *domain.SessionCreationError
	if !errors.As(err, &creationErr) {
		t.Fatalf("expected session creation error, got %v", err)
	}
	if !f.sink.sawState(domain.SessionStateError) {
		t.Fatalf("error state not surfaced: %v", f.sink.states)
	}
	// A failed start does not linger half-wanted; reconnecting is up to
	// the caller.
	if got := f.controller.Status(); got.Active {
		t.Fatalf("controller still active after failed start: %+v", got)
	}
}

func TestControllerStartCaptureFailure(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.capture.err = errors.New("device busy")

	err := f.controller.Start(context.Background(), StartOptions{})
	var mediaErr *domain.MediaAccessError
	if !errors.As(err, &mediaErr) {
		t.Fatalf("expected media access error, got %v", err)
	}
}

func TestControllerTransportFailureTriggersRestart(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	f.transport.session(0).states <- ports.TransportFailed

	if !waitFor(2*time.Second, func() bool { return f.transport.connects() == 2 }) {
		t.Fatalf("transport failure did not reconnect, connects=%d", f.transport.connects())
	}
	if !f.transport.session(0).wasClosed() {
		t.Fatalf("failed session not torn down before reconnect")
	}
	if !f.sink.sawState(domain.SessionStateRestarting) {
		t.Fatalf("restarting state not surfaced: %v", f.sink.states)
	}
	if !waitFor(2*time.Second, func() bool {
		return f.controller.Status().State == domain.SessionStateLive
	}) {
		t.Fatalf("session never returned to live")
	}
}

func TestControllerStopPreventsPendingRestart(t *testing.T) {
	t.Parallel()

	// A long failure delay keeps the restart pending while Stop runs.
	cfg := testConfig()
	cfg.FailedDelay = 500 * time.Millisecond
	f := newControllerFixtureWithConfig(t, cfg)
	f.start(t)

	f.transport.session(0).states <- ports.TransportFailed
	f.controller.Stop()

	time.Sleep(700 * time.Millisecond)
	if got := f.transport.connects(); got != 1 {
		t.Fatalf("stopped controller reconnected anyway, connects=%d", got)
	}
}

func TestControllerSendText(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)

	if err := f.controller.SendText("hello"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected no-session error, got %v", err)
	}

	f.start(t)
	if err := f.controller.SendText("hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	session := f.transport.session(0)
	session.mu.Lock()
	var sawCreate bool
	for _, payload := range session.sent {
		if strings.Contains(string(payload), "conversation.item.create") {
			sawCreate = true
		}
	}
	session.mu.Unlock()
	if !sawCreate {
		t.Fatalf("typed text never reached the wire")
	}
}

func TestControllerUpdateSettingsReachesLiveSession(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	if err := f.controller.UpdateSettings(StartOptions{SpeechEnabled: false, TurnDelaySeconds: 1.5}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	session := f.transport.session(0)
	session.mu.Lock()
	var update string
	for _, payload := range session.sent {
		if strings.Contains(string(payload), "session.update") {
			update = string(payload)
		}
	}
	session.mu.Unlock()
	if update == "" {
		t.Fatalf("settings update never reached the wire")
	}
	if !strings.Contains(update, "1500") {
		t.Fatalf("turn delay not translated to silence window: %s", update)
	}
}

func TestControllerRoutesInboundMessagesIntoSnapshot(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	f.transport.session(0).messages <- []byte(`{"type":"input_audio_buffer.committed","item_id":"user_1","previous_item_id":null}`)

	if !waitFor(2*time.Second, func() bool {
		return len(f.controller.Snapshot().Entries) == 1
	}) {
		t.Fatalf("inbound message never reached the snapshot")
	}
	if got := f.controller.Snapshot().Entries[0].ID; got != "user_1" {
		t.Fatalf("unexpected entry: %q", got)
	}
}

func TestControllerVisibilityRegainedSkipsLiveMic(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	f.controller.VisibilityRegained()
	time.Sleep(100 * time.Millisecond)
	if got := f.transport.connects(); got != 1 {
		t.Fatalf("healthy session was restarted on focus, connects=%d", got)
	}

	f.capture.session(0).setAlive(false)
	f.controller.VisibilityRegained()
	if !waitFor(2*time.Second, func() bool { return f.transport.connects() == 2 }) {
		t.Fatalf("dead mic on focus did not reconnect")
	}
}

func TestControllerResumedFromSuspendReconnects(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	f.controller.ResumedFromSuspend()
	if !waitFor(2*time.Second, func() bool { return f.transport.connects() == 2 }) {
		t.Fatalf("resume from suspend did not reconnect")
	}
}

func TestControllerManualRestartReconnects(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)
	f.start(t)

	f.controller.Restart()
	if !waitFor(2*time.Second, func() bool { return f.transport.connects() == 2 }) {
		t.Fatalf("manual restart did not reconnect")
	}
	if !f.transport.session(0).wasClosed() {
		t.Fatalf("previous session not torn down on manual restart")
	}
}

func TestControllerSuspendResumeIgnoredWhenIdle(t *testing.T) {
	t.Parallel()

	f := newControllerFixture(t)

	f.controller.ResumedFromSuspend()
	f.controller.VisibilityRegained()

	time.Sleep(100 * time.Millisecond)
	if got := f.transport.connects(); got != 0 {
		t.Fatalf("idle controller connected on resume, connects=%d", got)
	}
}
