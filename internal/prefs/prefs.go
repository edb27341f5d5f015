// Package prefs persists user preferences across runs. Invalid or missing
// stored values fall back to defaults; loading never fails the app.
package prefs

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

const (
	MinTurnDelaySeconds     = 0.2
	MaxTurnDelaySeconds     = 6.0
	DefaultTurnDelaySeconds = 0.8
)

// Preferences are the user-tunable session settings.
type Preferences struct {
	TurnDelaySeconds float64 `json:"turnDelaySeconds"`
	Instructions     string  `json:"instructions"`
	SpeechEnabled    bool    `json:"speechEnabled"`
}

// Defaults returns the preferences used when nothing valid is stored.
func Defaults() Preferences {
	return Preferences{
		TurnDelaySeconds: DefaultTurnDelaySeconds,
		SpeechEnabled:    true,
	}
}

// NormalizeTurnDelay clamps seconds to [0.2, 6.0] and rounds to the
// nearest 0.1s. Non-finite input is rejected.
func NormalizeTurnDelay(seconds float64) (float64, bool) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, false
	}
	if seconds < MinTurnDelaySeconds {
		seconds = MinTurnDelaySeconds
	}
	if seconds > MaxTurnDelaySeconds {
		seconds = MaxTurnDelaySeconds
	}
	return math.Round(seconds*10) / 10, true
}

// Store reads and writes the preferences file.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// storedPreferences uses pointers so absent fields are distinguishable
// from zero values and can fall back per-field.
type storedPreferences struct {
	TurnDelaySeconds *float64 `json:"turnDelaySeconds"`
	Instructions     *string  `json:"instructions"`
	SpeechEnabled    *bool    `json:"speechEnabled"`
}

// Load returns the stored preferences with invalid fields replaced by
// defaults. A missing or unreadable file yields pure defaults.
func (s *Store) Load() Preferences {
	out := Defaults()
	if s.path == "" {
		return out
	}

	s.mu.Lock()
	raw, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		return out
	}

	var stored storedPreferences
	if err := json.Unmarshal(raw, &stored); err != nil {
		return out
	}

	if stored.TurnDelaySeconds != nil {
		if normalized, ok := NormalizeTurnDelay(*stored.TurnDelaySeconds); ok {
			out.TurnDelaySeconds = normalized
		}
	}
	if stored.Instructions != nil {
		out.Instructions = *stored.Instructions
	}
	if stored.SpeechEnabled != nil {
		out.SpeechEnabled = *stored.SpeechEnabled
	}
	return out
}

// Save writes the preferences, creating the parent directory if needed.
func (s *Store) Save(p Preferences) error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}
