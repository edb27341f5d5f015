package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"parley/internal/domain"
	"parley/internal/ports"
)

const pcmSampleRate = 24000

// WebSocketTransport is the fallback transport for hosts without a
// working WebRTC stack. Input audio travels as base64 PCM16 append
// events on the same channel as control messages.
type WebSocketTransport struct {
	cfg Config
	log zerolog.Logger
}

func NewWebSocketTransport(cfg Config, log zerolog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		cfg: cfg.withDefaults(),
		log: log.With().Str("transport", "websocket").Logger(),
	}
}

// AudioProfile asks the capture layer for raw little-endian PCM16.
func (t *WebSocketTransport) AudioProfile(cfg ports.AudioConfig) ports.AudioConfig {
	cfg.Codec = "pcm16"
	cfg.SampleRate = pcmSampleRate
	cfg.Channels = 1
	return cfg
}

func (t *WebSocketTransport) Connect(ctx context.Context, cred domain.Credential, audio ports.AudioSession, opts ports.ConnectOptions) (ports.TransportSession, error) {
	if strings.TrimSpace(cred.ClientSecret) == "" {
		return nil, errors.New("credential carries no client secret")
	}

	model := cred.Model
	if model == "" {
		model = t.cfg.Model
	}
	wsURL, err := buildRealtimeURL(t.cfg.APIBaseURL, model)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred.ClientSecret)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &domain.HandshakeError{Status: resp.StatusCode, Body: err.Error()}
		}
		return nil, fmt.Errorf("realtime websocket dial failed: %w", err)
	}

	session := &wsSession{
		conn:     conn,
		messages: make(chan []byte, 256),
		states:   make(chan ports.TransportState, 8),
		done:     make(chan struct{}),
		log:      t.log,
	}

	go session.readLoop()
	go session.pumpAudio(audio)

	session.emitState(ports.TransportConnected)
	return session, nil
}

// buildRealtimeURL rewrites the HTTP API base into the websocket
// realtime endpoint for the given model.
func buildRealtimeURL(base string, model string) (string, error) {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	endpoint, err := url.Parse(base + "/realtime")
	if err != nil {
		return "", fmt.Errorf("invalid realtime API base URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("model", model)
	endpoint.RawQuery = query.Encode()
	return endpoint.String(), nil
}

type wsSession struct {
	conn *websocket.Conn

	messages chan []byte
	states   chan ports.TransportState

	writeMu sync.Mutex

	mu       sync.Mutex
	finished bool

	done      chan struct{}
	closeOnce sync.Once

	log zerolog.Logger
}

func (s *wsSession) Send(payload []byte) error {
	select {
	case <-s.done:
		return errors.New("session closed")
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to send control message: %w", err)
	}
	return nil
}

func (s *wsSession) Messages() <-chan []byte { return s.messages }

func (s *wsSession) States() <-chan ports.TransportState { return s.states }

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		_ = s.conn.Close()
	})
	return nil
}

func (s *wsSession) readLoop() {
	defer s.finish()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.emitState(ports.TransportClosed)
			} else {
				select {
				case <-s.done:
					s.emitState(ports.TransportClosed)
				default:
					s.emitState(ports.TransportDisconnected)
				}
			}
			return
		}
		s.deliver(payload)
	}
}

// pumpAudio streams captured PCM16 as base64 append events until the
// capture or the session ends.
func (s *wsSession) pumpAudio(audio ports.AudioSession) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := audio.Read(buf)
		if n > 0 {
			if sendErr := s.Send(appendAudioPayload(buf[:n])); sendErr != nil {
				s.log.Debug().Err(sendErr).Msg("audio append failed, stopping pump")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func appendAudioPayload(chunk []byte) []byte {
	payload, _ := json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
	return payload
}

// deliver hands an inbound control message to the consumer. The stream is
// ordered and lossless, so a full buffer blocks until the consumer drains
// or the session ends. finish closes the channel only under mu, so the
// pending send cannot race the close.
func (s *wsSession) deliver(payload []byte) {
	copied := append([]byte(nil), payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.messages <- copied:
	case <-s.done:
	}
}

func (s *wsSession) emitState(state ports.TransportState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.states <- state:
	default:
	}
}

func (s *wsSession) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.messages)
	close(s.states)
}
