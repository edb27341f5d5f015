package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the translation client.
type Config struct {
	// Model API
	APIKey     string `env:"PARLEY_API_KEY"`
	APIBaseURL string `env:"PARLEY_API_BASE" envDefault:"https://api.openai.com/v1"`
	Model      string `env:"PARLEY_MODEL" envDefault:"gpt-realtime"`
	Voice      string `env:"PARLEY_VOICE" envDefault:"alloy"`

	// Transport: "webrtc" or "websocket"
	Transport          string `env:"PARLEY_TRANSPORT" envDefault:"webrtc"`
	TranscriptionModel string `env:"PARLEY_TRANSCRIPTION_MODEL" envDefault:"whisper-1"`

	// Audio capture
	FFmpegCommand string `env:"PARLEY_FFMPEG_COMMAND" envDefault:"ffmpeg"`
	InputFormat   string `env:"PARLEY_AUDIO_INPUT_FORMAT" envDefault:"pulse"`
	InputDevice   string `env:"PARLEY_AUDIO_INPUT_DEVICE" envDefault:"default"`
	SampleRate    int    `env:"PARLEY_SAMPLE_RATE" envDefault:"24000"`
	Channels      int    `env:"PARLEY_CHANNELS" envDefault:"1"`

	// Remote audio playback sink (ogg file); empty disables the sink.
	RemoteAudioPath string `env:"PARLEY_REMOTE_AUDIO_PATH"`

	// Session self-healing
	RestartFailedDelay     time.Duration `env:"PARLEY_RESTART_FAILED_DELAY" envDefault:"300ms"`
	RestartDisconnectDelay time.Duration `env:"PARLEY_RESTART_DISCONNECT_DELAY" envDefault:"2s"`
	RestartMaxDelay        time.Duration `env:"PARLEY_RESTART_MAX_DELAY" envDefault:"30s"`
	MicMuteDebounce        time.Duration `env:"PARLEY_MIC_MUTE_DEBOUNCE" envDefault:"650ms"`
	MicPollInterval        time.Duration `env:"PARLEY_MIC_POLL_INTERVAL" envDefault:"500ms"`

	// Files
	GlossaryPath string `env:"PARLEY_GLOSSARY_FILE"`
	PrefsPath    string `env:"PARLEY_SETTINGS_FILE"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses environment variables into Config and clamps invalid values
// to defaults rather than erroring.
func Load() (Config, error) {
	// A .env file in the working directory is optional.
	_ = godotenv.Load()

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", "webrtc":
		cfg.Transport = "webrtc"
	case "websocket", "ws":
		cfg.Transport = "websocket"
	default:
		return Config{}, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.RestartFailedDelay <= 0 {
		cfg.RestartFailedDelay = 300 * time.Millisecond
	}
	if cfg.RestartDisconnectDelay <= 0 {
		cfg.RestartDisconnectDelay = 2 * time.Second
	}
	if cfg.RestartMaxDelay <= 0 {
		cfg.RestartMaxDelay = 30 * time.Second
	}
	if cfg.MicMuteDebounce <= 0 {
		cfg.MicMuteDebounce = 650 * time.Millisecond
	}
	if cfg.MicPollInterval <= 0 {
		cfg.MicPollInterval = 500 * time.Millisecond
	}

	if cfg.PrefsPath == "" || cfg.GlossaryPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			if cfg.PrefsPath == "" {
				cfg.PrefsPath = filepath.Join(home, ".config", "parley", "settings.json")
			}
			if cfg.GlossaryPath == "" {
				cfg.GlossaryPath = firstExisting(filepath.Join(home, ".config", "parley", "terms.glossary"))
			}
		}
	}

	return cfg, nil
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
