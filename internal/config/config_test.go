package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.APIBaseURL != "https://api.openai.com/v1" {
		t.Fatalf("unexpected API base: %q", cfg.APIBaseURL)
	}
	if cfg.Transport != "webrtc" {
		t.Fatalf("unexpected transport: %q", cfg.Transport)
	}
	if cfg.SampleRate != 24000 || cfg.Channels != 1 {
		t.Fatalf("unexpected audio defaults: %d/%d", cfg.SampleRate, cfg.Channels)
	}
	if cfg.MicMuteDebounce != 650*time.Millisecond {
		t.Fatalf("unexpected mute debounce: %s", cfg.MicMuteDebounce)
	}
}

func TestLoadTransportAliases(t *testing.T) {
	t.Setenv("PARLEY_TRANSPORT", "ws")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Transport != "websocket" {
		t.Fatalf("expected websocket, got %q", cfg.Transport)
	}
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	t.Setenv("PARLEY_TRANSPORT", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown transport")
	}
}

func TestLoadClampsInvalidNumbers(t *testing.T) {
	t.Setenv("PARLEY_SAMPLE_RATE", "-1")
	t.Setenv("PARLEY_MIC_MUTE_DEBOUNCE", "0s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SampleRate != 24000 {
		t.Fatalf("sample rate not clamped: %d", cfg.SampleRate)
	}
	if cfg.MicMuteDebounce != 650*time.Millisecond {
		t.Fatalf("mute debounce not clamped: %s", cfg.MicMuteDebounce)
	}
}
