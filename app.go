package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"parley/internal/bootstrap"
	"parley/internal/config"
	"parley/internal/domain"
	"parley/internal/prefs"
	"parley/internal/usecase"
)

const (
	eventSession      = "parley:session"
	eventTranscript   = "parley:transcript"
	eventParticipants = "parley:participants"
	eventError        = "parley:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	controller *usecase.SessionController
	store      *prefs.Store
	cfg        config.Config
	bootErr    error

	mu      sync.Mutex
	current prefs.Preferences
}

func NewApp() *App {
	return &App{current: prefs.Defaults()}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller
	a.store = services.Prefs
	a.current = a.store.Load()
	a.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonStartup)
}

// StartSession connects a new realtime translation session using the
// stored preferences. Safe to call while one is already running; the
// previous session is replaced.
func (a *App) StartSession() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Start(a.ctx, a.startOptions()); err != nil {
		a.SessionError(errorCodeFor(err), err.Error())
		return domain.Status{}, err
	}
	return a.controller.Status(), nil
}

// StopSession tears down the active session. Always safe to call.
func (a *App) StopSession() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	a.controller.Stop()
	return a.controller.Status(), nil
}

// SendText injects a typed user turn into the live conversation.
func (a *App) SendText(text string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.controller.SendText(text); err != nil {
		a.SessionError(domain.ErrorCodeSend, err.Error())
		return err
	}
	return nil
}

// RestartSession forces a reconnect of the current session.
func (a *App) RestartSession() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.controller.Restart()
	return nil
}

// ResumedFromSuspend is signaled by the frontend when the host machine
// wakes from sleep.
func (a *App) ResumedFromSuspend() {
	if a.requireReady() != nil {
		return
	}
	a.controller.ResumedFromSuspend()
}

// VisibilityRegained is signaled by the frontend when the window regains
// focus after being hidden.
func (a *App) VisibilityRegained() {
	if a.requireReady() != nil {
		return
	}
	a.controller.VisibilityRegained()
}

// GetSnapshot returns the full transcript and participant view.
func (a *App) GetSnapshot() domain.Snapshot {
	if a.controller == nil {
		return domain.Snapshot{State: domain.SessionStateIdle}
	}
	return a.controller.Snapshot()
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		if a.bootErr != nil {
			return domain.Status{State: domain.SessionStateError, Active: false, Message: a.bootErr.Error()}
		}
		return domain.Status{State: domain.SessionStateIdle, Active: false}
	}
	return a.controller.Status()
}

// GetPreferences returns the stored user preferences.
func (a *App) GetPreferences() prefs.Preferences {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// SetTurnDelay updates the silence window (seconds) that ends a spoken
// turn. The value is clamped and rounded; the normalized result is
// returned and pushed to the live session.
func (a *App) SetTurnDelay(seconds float64) (prefs.Preferences, error) {
	normalized, ok := prefs.NormalizeTurnDelay(seconds)
	if !ok {
		return a.GetPreferences(), fmt.Errorf("turn delay %v is not a finite number", seconds)
	}
	return a.updatePreferences(func(p *prefs.Preferences) {
		p.TurnDelaySeconds = normalized
	})
}

// SetInstructions updates the translation instructions.
func (a *App) SetInstructions(text string) (prefs.Preferences, error) {
	return a.updatePreferences(func(p *prefs.Preferences) {
		p.Instructions = text
	})
}

// SetSpeechEnabled toggles spoken translation output.
func (a *App) SetSpeechEnabled(enabled bool) (prefs.Preferences, error) {
	return a.updatePreferences(func(p *prefs.Preferences) {
		p.SpeechEnabled = enabled
	})
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"model":              a.cfg.Model,
		"voice":              a.cfg.Voice,
		"transport":          a.cfg.Transport,
		"transcriptionModel": a.cfg.TranscriptionModel,
		"glossaryFile":       a.cfg.GlossaryPath,
		"audioInput":         a.cfg.InputDevice,
		"audioInputFormat":   a.cfg.InputFormat,
	}
}

func (a *App) updatePreferences(mutate func(*prefs.Preferences)) (prefs.Preferences, error) {
	if err := a.requireReady(); err != nil {
		return a.GetPreferences(), err
	}

	a.mu.Lock()
	mutate(&a.current)
	updated := a.current
	a.mu.Unlock()

	if err := a.store.Save(updated); err != nil {
		a.SessionError(domain.ErrorCodePreferences, err.Error())
		return updated, err
	}
	if err := a.controller.UpdateSettings(a.optionsFor(updated)); err != nil {
		a.SessionError(domain.ErrorCodeSend, err.Error())
		return updated, err
	}
	return updated, nil
}

func (a *App) startOptions() usecase.StartOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.optionsFor(a.current)
}

func (a *App) optionsFor(p prefs.Preferences) usecase.StartOptions {
	return usecase.StartOptions{
		Model:            a.cfg.Model,
		Voice:            a.cfg.Voice,
		Instructions:     p.Instructions,
		SpeechEnabled:    p.SpeechEnabled,
		TurnDelaySeconds: p.TurnDelaySeconds,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSession, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": sessionReasonMessage(reason),
	})
}

// TranscriptUpdated emits the reordered transcript after every change.
func (a *App) TranscriptUpdated(entries []domain.TranscriptEntry) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventTranscript, entries)
}

// ParticipantsUpdated emits the tracked speakers in join order.
func (a *App) ParticipantsUpdated(participants []domain.Participant) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventParticipants, participants)
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func errorCodeFor(err error) domain.ErrorCode {
	var creation *domain.SessionCreationError
	var media *domain.MediaAccessError
	var handshake *domain.HandshakeError
	switch {
	case errors.As(err, &media):
		return domain.ErrorCodeMediaAccess
	case errors.As(err, &handshake):
		return domain.ErrorCodeHandshake
	case errors.As(err, &creation):
		return domain.ErrorCodeSessionCreate
	default:
		return domain.ErrorCodeSessionCreate
	}
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonStartup:
		return "Ready"
	case domain.SessionReasonConnecting:
		return "Connecting..."
	case domain.SessionReasonConnected:
		return "Session live"
	case domain.SessionReasonStopped:
		return "Session stopped"
	case domain.SessionReasonSuperseded:
		return "Previous session replaced"
	case domain.SessionReasonRestartScheduled:
		return "Connection lost; reconnecting..."
	case domain.SessionReasonConnectFailed:
		return "Connection failed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeSessionCreate:
		return "Session creation failed"
	case domain.ErrorCodeMediaAccess:
		return "Microphone unavailable"
	case domain.ErrorCodeHandshake:
		return "Connection handshake rejected"
	case domain.ErrorCodeSend:
		return "Message send failed"
	case domain.ErrorCodePreferences:
		return "Preferences could not be saved"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
