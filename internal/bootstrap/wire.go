// Package bootstrap assembles the backend dependency graph.
package bootstrap

import (
	"github.com/rs/zerolog"

	"parley/internal/audio"
	"parley/internal/config"
	"parley/internal/glossary"
	"parley/internal/logging"
	"parley/internal/ports"
	"parley/internal/prefs"
	"parley/internal/providers/openai"
	"parley/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Prefs      *prefs.Store
	Config     config.Config
	Log        zerolog.Logger
}

// Build wires all backend dependencies for the current runtime.
func Build(eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	log := logging.New(cfg.LogLevel)

	terms, err := glossary.NewEngine(cfg.GlossaryPath)
	if err != nil {
		return Services{}, err
	}

	apiCfg := openai.Config{
		APIKey:     cfg.APIKey,
		APIBaseURL: cfg.APIBaseURL,
		Model:      cfg.Model,
	}

	var transport ports.RealtimeTransport
	if cfg.Transport == "websocket" {
		transport = openai.NewWebSocketTransport(apiCfg, log)
	} else {
		transport = openai.NewWebRTCTransport(apiCfg, remoteSink(cfg), log)
	}

	controller := usecase.NewSessionController(
		openai.NewTokenClient(apiCfg),
		audio.NewFFmpegCapture(cfg.FFmpegCommand),
		transport,
		terms,
		eventSink,
		usecase.Config{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.SampleRate,
				Channels:    cfg.Channels,
				InputFormat: cfg.InputFormat,
				InputDevice: cfg.InputDevice,
			},
			Voice:              cfg.Voice,
			TranscriptionModel: cfg.TranscriptionModel,
			FailedDelay:        cfg.RestartFailedDelay,
			DisconnectDelay:    cfg.RestartDisconnectDelay,
			MaxRestartDelay:    cfg.RestartMaxDelay,
			MicPollInterval:    cfg.MicPollInterval,
			MicMuteDebounce:    cfg.MicMuteDebounce,
		},
		log,
	)

	return Services{
		Controller: controller,
		Prefs:      prefs.NewStore(cfg.PrefsPath),
		Config:     cfg,
		Log:        log,
	}, nil
}

// remoteSink writes the model's spoken audio to an ogg file when a path
// is configured; otherwise the remote track is discarded.
func remoteSink(cfg config.Config) func() (openai.RemoteSink, error) {
	if cfg.RemoteAudioPath == "" {
		return nil
	}
	return func() (openai.RemoteSink, error) {
		return audio.NewOggSink(cfg.RemoteAudioPath, 48000, 1)
	}
}
