package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"

	"parley/internal/domain"
	"parley/internal/ports"
)

const (
	dataChannelLabel = "oai-events"
	opusClockRate    = 48000

	dataChannelOpenTimeout = 10 * time.Second
)

// RemoteSink receives RTP packets from the model's audio track. Sink
// failures are logged and never disturb the session.
type RemoteSink interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// discardRemote drops the model audio track.
type discardRemote struct{}

func (discardRemote) WriteRTP(*rtp.Packet) error { return nil }
func (discardRemote) Close() error               { return nil }

// WebRTCTransport negotiates realtime sessions over a peer connection:
// one outbound opus track, one inbound model audio track, and a reliable
// ordered data channel for control events.
type WebRTCTransport struct {
	cfg     Config
	client  *http.Client
	newSink func() (RemoteSink, error)
	log     zerolog.Logger
}

// NewWebRTCTransport builds the transport. newSink, when non-nil, is
// invoked once per session to receive remote audio; sessions with speech
// disabled (or a nil factory) discard the remote track.
func NewWebRTCTransport(cfg Config, newSink func() (RemoteSink, error), log zerolog.Logger) *WebRTCTransport {
	return &WebRTCTransport{
		cfg:     cfg.withDefaults(),
		client:  &http.Client{Timeout: 20 * time.Second},
		newSink: newSink,
		log:     log.With().Str("transport", "webrtc").Logger(),
	}
}

// AudioProfile asks the capture layer for an ogg/opus stream; the pages
// are repackaged as media samples on the outbound track.
func (t *WebRTCTransport) AudioProfile(cfg ports.AudioConfig) ports.AudioConfig {
	cfg.Codec = "opus"
	cfg.SampleRate = opusClockRate
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return cfg
}

func (t *WebRTCTransport) Connect(ctx context.Context, cred domain.Credential, audio ports.AudioSession, opts ports.ConnectOptions) (ports.TransportSession, error) {
	if strings.TrimSpace(cred.ClientSecret) == "" {
		return nil, errors.New("credential carries no client secret")
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	session := &webrtcSession{
		pc:       pc,
		sink:     discardRemote{},
		messages: make(chan []byte, 256),
		states:   make(chan ports.TransportState, 8),
		done:     make(chan struct{}),
		log:      t.log,
	}

	channels := opts.Audio.Channels
	if channels <= 0 {
		channels = 1
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: uint16(channels)},
		"audio", "microphone",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}
	session.track = track

	if opts.SpeechEnabled && t.newSink != nil {
		sink, sinkErr := t.newSink()
		if sinkErr != nil {
			t.log.Warn().Err(sinkErr).Msg("remote audio sink unavailable, discarding model audio")
		} else {
			session.sink = sink
		}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go session.drainRemote(remote)
	})

	dcOpen := make(chan struct{})
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	dc.OnOpen(func() { close(dcOpen) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { session.deliver(msg.Data) })
	session.dc = dc

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			session.emitState(ports.TransportConnected)
		case webrtc.PeerConnectionStateDisconnected:
			session.emitState(ports.TransportDisconnected)
		case webrtc.PeerConnectionStateFailed:
			session.emitState(ports.TransportFailed)
		case webrtc.PeerConnectionStateClosed:
			session.emitState(ports.TransportClosed)
			session.finish()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = session.Close()
		return nil, ctx.Err()
	}

	answer, err := t.exchangeSDP(ctx, cred, pc.LocalDescription().SDP)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	select {
	case <-dcOpen:
	case <-time.After(dataChannelOpenTimeout):
		_ = session.Close()
		return nil, errors.New("data channel did not open")
	case <-ctx.Done():
		_ = session.Close()
		return nil, ctx.Err()
	}

	go session.pumpLocalAudio(audio)
	return session, nil
}

// exchangeSDP posts the local offer and returns the remote answer.
func (t *WebRTCTransport) exchangeSDP(ctx context.Context, cred domain.Credential, offerSDP string) (string, error) {
	model := cred.Model
	if model == "" {
		model = t.cfg.Model
	}
	endpoint := t.cfg.APIBaseURL + "/realtime?model=" + url.QueryEscape(model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.ClientSecret)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sdp exchange failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read sdp answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &domain.HandshakeError{Status: resp.StatusCode, Body: trimmedBody(body)}
	}
	return string(body), nil
}

type webrtcSession struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	track *webrtc.TrackLocalStaticSample
	sink  RemoteSink

	messages chan []byte
	states   chan ports.TransportState

	mu       sync.Mutex
	finished bool

	done      chan struct{}
	closeOnce sync.Once

	log zerolog.Logger
}

func (s *webrtcSession) Send(payload []byte) error {
	select {
	case <-s.done:
		return errors.New("session closed")
	default:
	}
	return s.dc.Send(payload)
}

func (s *webrtcSession) Messages() <-chan []byte { return s.messages }

func (s *webrtcSession) States() <-chan ports.TransportState { return s.states }

func (s *webrtcSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.sink.Close()
		_ = s.pc.Close()
		s.finish()
	})
	return nil
}

// deliver hands an inbound control message to the consumer. The stream is
// ordered and lossless, so a full buffer blocks until the consumer drains
// or the session ends. finish closes the channel only under mu, so the
// pending send cannot race the close.
func (s *webrtcSession) deliver(payload []byte) {
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

func (s *webrtcSession) emitState(state ports.TransportState) {
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

func (s *webrtcSession) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.messages)
	close(s.states)
}

// drainRemote forwards the model audio track into the sink until the
// track ends.
func (s *webrtcSession) drainRemote(remote *webrtc.TrackRemote) {
	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("remote track read ended")
			}
			s.emitState(ports.TransportRemoteTrackRemoved)
			return
		}
		if err := s.sink.WriteRTP(packet); err != nil {
			s.log.Warn().Err(err).Msg("remote audio sink write failed")
		}
	}
}

// pumpLocalAudio repackages captured ogg pages as opus samples on the
// outbound track, pacing by granule position.
func (s *webrtcSession) pumpLocalAudio(audio ports.AudioSession) {
	ogg, _, err := oggreader.NewWith(audio)
	if err != nil {
		s.log.Error().Err(err).Msg("capture stream is not a readable ogg container")
		return
	}

	var lastGranule uint64
	for {
		select {
		case <-s.done:
			return
		default:
		}

		pageData, pageHeader, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.log.Debug().Err(err).Msg("capture stream ended")
			return
		}

		sampleCount := pageHeader.GranulePosition - lastGranule
		lastGranule = pageHeader.GranulePosition
		duration := time.Duration(sampleCount) * time.Second / opusClockRate

		if err := s.track.WriteSample(media.Sample{Data: pageData, Duration: duration}); err != nil {
			s.log.Debug().Err(err).Msg("local track write failed")
			return
		}
	}
}
