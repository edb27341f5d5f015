package ports

import (
	"context"
	"io"
	"time"

	"parley/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	Codec       string // "opus" (ogg container) or "pcm16"
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session. Read returns the encoded stream
// in the configured codec. LastData reports when audio bytes last flowed,
// Alive whether the underlying capture source is still healthy.
type AudioSession interface {
	io.ReadCloser
	Stop() error
	Alive() bool
	LastData() time.Time
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// MintRequest carries optional session preferences to the token endpoint.
type MintRequest struct {
	Model        string
	Voice        string
	Instructions string
}

// TokenMinter obtains a short-lived credential for one session attempt.
type TokenMinter interface {
	Mint(ctx context.Context, req MintRequest) (domain.Credential, error)
}

// TransportState is a coarse connection-health signal from the transport.
type TransportState string

const (
	TransportConnected          TransportState = "connected"
	TransportDisconnected       TransportState = "disconnected"
	TransportFailed             TransportState = "failed"
	TransportClosed             TransportState = "closed"
	TransportRemoteTrackRemoved TransportState = "remote_track_removed"
)

// ConnectOptions configures one transport negotiation.
type ConnectOptions struct {
	Audio         AudioConfig
	SpeechEnabled bool
}

// TransportSession is an established realtime connection: local audio
// flowing out, remote audio flowing in, and a reliable ordered message
// channel for structured control events.
type TransportSession interface {
	// Send writes one discrete control message to the message channel.
	Send(payload []byte) error
	// Messages yields inbound control messages, one parseable unit each.
	// The channel closes when the session ends.
	Messages() <-chan []byte
	// States yields connection-health transitions after establishment.
	States() <-chan TransportState
	Close() error
}

// RealtimeTransport negotiates transport sessions against the model API.
// AudioProfile reports the capture codec the transport consumes.
type RealtimeTransport interface {
	AudioProfile(cfg AudioConfig) AudioConfig
	Connect(ctx context.Context, cred domain.Credential, audio AudioSession, opts ConnectOptions) (TransportSession, error)
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	TranscriptUpdated(entries []domain.TranscriptEntry)
	ParticipantsUpdated(participants []domain.Participant)
	SessionError(code domain.ErrorCode, detail string)
}
