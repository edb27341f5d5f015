package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"parley/internal/domain"
	"parley/internal/ports"
)

func TestBuildRealtimeURL(t *testing.T) {
	t.Parallel()

	got, err := buildRealtimeURL("https://api.openai.com/v1", "gpt-realtime")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "wss://api.openai.com/v1/realtime") {
		t.Fatalf("unexpected url: %s", got)
	}
	if !strings.Contains(got, "model=gpt-realtime") {
		t.Fatalf("expected model in url: %s", got)
	}

	got, err = buildRealtimeURL("http://localhost:8080/v1/", "m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "ws://localhost:8080/v1/realtime") {
		t.Fatalf("unexpected url: %s", got)
	}

	if _, err := buildRealtimeURL(":// bad", "m"); err == nil {
		t.Fatalf("expected invalid base url error")
	}
}

func TestWebSocketAudioProfile(t *testing.T) {
	t.Parallel()

	transport := NewWebSocketTransport(Config{}, zerolog.Nop())
	profile := transport.AudioProfile(ports.AudioConfig{Codec: "opus", SampleRate: 48000, Channels: 2})
	if profile.Codec != "pcm16" {
		t.Fatalf("unexpected codec: %q", profile.Codec)
	}
	if profile.SampleRate != pcmSampleRate {
		t.Fatalf("unexpected sample rate: %d", profile.SampleRate)
	}
	if profile.Channels != 1 {
		t.Fatalf("unexpected channels: %d", profile.Channels)
	}
}

func TestAppendAudioPayload(t *testing.T) {
	t.Parallel()

	var decoded struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(appendAudioPayload([]byte{0x01, 0x02}), &decoded); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if decoded.Type != "input_audio_buffer.append" {
		t.Fatalf("unexpected type: %q", decoded.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(decoded.Audio)
	if err != nil || string(raw) != "\x01\x02" {
		t.Fatalf("audio not round-trippable: %q err=%v", decoded.Audio, err)
	}
}

func TestWSSessionSendAfterClose(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	close(done)
	s := &wsSession{done: done}
	if err := s.Send([]byte("{}")); err == nil {
		t.Fatalf("expected closed error")
	}
}

func TestWSSessionDeliverBlocksUntilConsumerDrains(t *testing.T) {
	t.Parallel()

	s := &wsSession{
		messages: make(chan []byte, 1),
		states:   make(chan ports.TransportState, 1),
		done:     make(chan struct{}),
		log:      zerolog.Nop(),
	}

	s.deliver([]byte("one"))

	delivered := make(chan struct{})
	go func() {
		s.deliver([]byte("two"))
		close(delivered)
	}()

	// A full buffer must hold the message, not drop it.
	select {
	case <-delivered:
		t.Fatalf("deliver completed against a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	if got := string(<-s.messages); got != "one" {
		t.Fatalf("unexpected first message: %q", got)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("deliver never completed after a read")
	}
	if got := string(<-s.messages); got != "two" {
		t.Fatalf("messages delivered out of order: %q", got)
	}
}

func TestWSSessionDeliverAbandonsOnSessionEnd(t *testing.T) {
	t.Parallel()

	s := &wsSession{
		messages: make(chan []byte, 1),
		states:   make(chan ports.TransportState, 1),
		done:     make(chan struct{}),
		log:      zerolog.Nop(),
	}

	s.deliver([]byte("one"))

	delivered := make(chan struct{})
	go func() {
		s.deliver([]byte("two"))
		close(delivered)
	}()

	close(s.done)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("deliver stayed blocked past session end")
	}
}

func TestWebSocketConnectRequiresSecret(t *testing.T) {
	t.Parallel()

	transport := NewWebSocketTransport(Config{}, zerolog.Nop())
	_, err := transport.Connect(context.Background(), domain.Credential{}, nil, ports.ConnectOptions{})
	if err == nil {
		t.Fatalf("expected missing secret error")
	}
}

type scriptedAudio struct {
	chunks [][]byte
	idx    int
	done   chan struct{}
	once   sync.Once
}

func newScriptedAudio(chunks ...[]byte) *scriptedAudio {
	return &scriptedAudio{chunks: chunks, done: make(chan struct{})}
}

// Read yields the scripted chunks, then blocks like a quiet microphone
// until the session is torn down.
func (a *scriptedAudio) Read(p []byte) (int, error) {
	if a.idx >= len(a.chunks) {
		<-a.done
		return 0, io.EOF
	}
	n := copy(p, a.chunks[a.idx])
	a.idx++
	return n, nil
}

func (a *scriptedAudio) Close() error {
	a.once.Do(func() { close(a.done) })
	return nil
}

func (a *scriptedAudio) Stop() error         { return a.Close() }
func (a *scriptedAudio) Alive() bool         { return true }
func (a *scriptedAudio) LastData() time.Time { return time.Now() }

func TestWebSocketConnectStreamsAudioAndMessages(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ek_test" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`)); err != nil {
			return
		}
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- payload
		}
	}))
	defer server.Close()

	audio := newScriptedAudio([]byte("pcm!"))
	defer audio.Close()

	transport := NewWebSocketTransport(Config{APIBaseURL: server.URL}, zerolog.Nop())
	session, err := transport.Connect(context.Background(), domain.Credential{ClientSecret: "ek_test", Model: "m"},
		audio, ports.ConnectOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer session.Close()

	select {
	case msg := <-session.Messages():
		if !strings.Contains(string(msg), "session.created") {
			t.Fatalf("unexpected inbound message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no inbound message arrived")
	}

	select {
	case payload := <-received:
		var decoded struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &decoded); err != nil || decoded.Type != "input_audio_buffer.append" {
			t.Fatalf("unexpected outbound payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no audio append arrived")
	}

	if err := session.Send([]byte(`{"type":"response.create"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}
