package domain

import (
	"fmt"
	"time"
)

// Role identifies which side of the conversation produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// EntryStatus models the streaming lifecycle of a transcript entry.
// Transitions are monotonic: once final, never streaming again.
type EntryStatus string

const (
	EntryStreaming EntryStatus = "streaming"
	EntryFinal     EntryStatus = "final"
)

// Source records which protocol stream produced an entry's text.
type Source string

const (
	SourceUserAudio      Source = "user_audio_transcription"
	SourceUserText       Source = "user_typed_text"
	SourceAssistantText  Source = "assistant_text_stream"
	SourceAssistantAudio Source = "assistant_audio_transcript"
)

// Priority ranks sources for merge decisions on the same entry.
// Assistant text-stream output outranks audio-transcript output.
func (s Source) Priority() int {
	switch s {
	case SourceAssistantText:
		return 2
	case SourceAssistantAudio:
		return 1
	default:
		return 0
	}
}

// TranscriptEntry is one conversational turn.
type TranscriptEntry struct {
	ID     string      `json:"id"`
	Role   Role        `json:"role"`
	Text   string      `json:"text"`
	Status EntryStatus `json:"status"`
	Source Source      `json:"source"`
}

// Participant is one tracked speaker in a multi-party conversation.
// Participants are created and updated only by model function calls.
type Participant struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Language       string `json:"language"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
}

// SessionState models the realtime session lifecycle.
type SessionState string

const (
	SessionStateIdle       SessionState = "idle"
	SessionStateConnecting SessionState = "connecting"
	SessionStateLive       SessionState = "live"
	SessionStateRestarting SessionState = "restarting"
	SessionStateError      SessionState = "error"
)

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonStartup          SessionStateReason = "startup"
	SessionReasonConnecting       SessionStateReason = "connecting"
	SessionReasonConnected        SessionStateReason = "connected"
	SessionReasonStopped          SessionStateReason = "stopped"
	SessionReasonSuperseded       SessionStateReason = "superseded"
	SessionReasonRestartScheduled SessionStateReason = "restart_scheduled"
	SessionReasonConnectFailed    SessionStateReason = "connect_failed"
)

// RestartReason identifies what triggered a reconnection attempt.
type RestartReason string

const (
	RestartTransportFailed    RestartReason = "transport_failed"
	RestartTransportClosed    RestartReason = "transport_closed"
	RestartDisconnected       RestartReason = "transport_disconnected"
	RestartRemoteTrackRemoved RestartReason = "remote_track_removed"
	RestartResumedFromSuspend RestartReason = "resumed_from_suspend"
	RestartVisibilityRegained RestartReason = "visibility_regained"
	RestartMicEnded           RestartReason = "mic_ended"
	RestartMicMuted           RestartReason = "mic_muted"
	RestartMicNotLive         RestartReason = "mic_not_live"
	RestartManual             RestartReason = "manual"
	RestartRetry              RestartReason = "retry"
)

// ErrorCode identifies backend errors surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeSessionCreate ErrorCode = "session_create"
	ErrorCodeMediaAccess   ErrorCode = "media_access"
	ErrorCodeHandshake     ErrorCode = "handshake"
	ErrorCodeSend          ErrorCode = "send"
	ErrorCodePreferences   ErrorCode = "preferences"
)

// Snapshot is the read-only view the UI renders.
type Snapshot struct {
	State        SessionState      `json:"state"`
	Entries      []TranscriptEntry `json:"entries"`
	Participants []Participant     `json:"participants"`
}

// Status summarizes the current runtime status.
type Status struct {
	State   SessionState `json:"state"`
	Active  bool         `json:"active"`
	Message string       `json:"message,omitempty"`
}

// Credential is the short-lived secret minted for one session attempt.
type Credential struct {
	ClientSecret string
	Model        string
	ExpiresAt    time.Time
}

// SessionCreationError means the token-minting call failed.
// Fatal to the start attempt that issued it.
type SessionCreationError struct {
	Err error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("session creation failed: %v", e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

// MediaAccessError means the local audio device could not be acquired.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access failed: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// HandshakeError means the remote answer exchange returned a non-success
// status. Body carries the raw response for diagnostics.
type HandshakeError struct {
	Status int
	Body   string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d: %s", e.Status, e.Body)
}
